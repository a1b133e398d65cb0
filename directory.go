package tub

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/memberlist"
)

// directory is an eventually consistent view of where Tubs listen. Every
// member is named by its TubID and publishes its location hints as node
// metadata.
type directory struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger
}

// directoryDelegate only serves node metadata, the directory has no user
// messages nor state to merge.
type directoryDelegate struct {
	meta []byte
}

func (d *directoryDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	// keep whole hints only.
	meta := d.meta[:limit]
	if i := strings.LastIndexByte(string(meta), ','); i >= 0 {
		return meta[:i]
	}
	return nil
}

func (d *directoryDelegate) NotifyMsg([]byte) {}

func (d *directoryDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *directoryDelegate) LocalState(join bool) []byte {
	return nil
}

func (d *directoryDelegate) MergeRemoteState(buf []byte, join bool) {}

// directoryEvents logs membership changes.
type directoryEvents struct {
	logger *slog.Logger
}

func (g *directoryEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("tub joined directory")
}

func (g *directoryEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("tub left directory")
}

func (g *directoryEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("tub updated its locations")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerID.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

func newDirectory(c *config, id TubID, locations []string, handler slog.Handler) (*directory, error) {
	logger := slog.New(handler).With("component", "directory")

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = string(id)
	if c.dirAddr != "" {
		mlCfg.BindAddr = c.dirAddr
	}
	mlCfg.BindPort = c.dirPort
	mlCfg.AdvertisePort = c.dirPort
	mlCfg.ProbeTimeout = 2 * time.Second
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	mlCfg.MetricLabels = c.legacyLabels()
	mlCfg.Delegate = &directoryDelegate{
		meta: []byte(strings.Join(locations, ",")),
	}
	mlCfg.Events = &directoryEvents{logger: logger}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinDirectory, err)
	}

	return &directory{
		ml:     ml,
		logger: logger,
	}, nil
}

// Port is the port the directory gossips on.
func (dir *directory) Port() int {
	return int(dir.ml.LocalNode().Port)
}

func (dir *directory) Join(neighbours []string) error {
	if len(neighbours) == 0 {
		return nil
	}

	joined, err := dir.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinDirectory, err)
	}
	dir.logger.Info("directory joined")
	if len(neighbours) != joined {
		dir.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// Lookup returns the location hints published by id.
func (dir *directory) Lookup(id TubID) []string {
	for _, node := range dir.ml.Members() {
		if node.Name != string(id) {
			continue
		}
		if len(node.Meta) == 0 {
			return nil
		}
		return strings.Split(string(node.Meta), ",")
	}
	return nil
}

// Members returns the TubIDs known to the directory, ourselves excluded.
func (dir *directory) Members() []TubID {
	self := dir.ml.LocalNode().Name
	var ids []TubID
	for _, node := range dir.ml.Members() {
		if node.Name != self {
			ids = append(ids, TubID(node.Name))
		}
	}
	return ids
}

// Shutdown leaves the directory, a leave which could not propagate within
// timeout is only logged since peers will end up probing us dead anyway.
func (dir *directory) Shutdown(timeout time.Duration) error {
	if err := dir.ml.Leave(timeout); err != nil {
		dir.logger.Warn("leave did not propagate", LabelError.L(err))
	}
	return dir.ml.Shutdown()
}
