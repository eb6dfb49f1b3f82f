package adapter

import (
	"fmt"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// Handshake authenticates that a spawned process is actually a legacy-network
// adapter plugin and not some unrelated executable someone pointed the
// plugin directory at.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SLIDGE_ADAPTER_PLUGIN",
	MagicCookieValue: "slidge",
}

// RemoteAdapter is the subset of Outbound+lifecycle operations exposed
// across the out-of-process plugin boundary. Full adapters implementing
// the whole Adapter interface run in-process via Registry; Host is for the
// rarer case of a legacy-network implementation that needs its own process
// (crash isolation, an SDK with its own event loop, licensing
// constraints) and is willing to expose only this reduced surface over
// net/rpc, the transport go-plugin layers on net/rpc.Client/Server without
// any code generation step.
type RemoteAdapter interface {
	Login(user *models.User) (status string, err error)
	Logout(user *models.User) error
	Unregister(user *models.User) error
	SendText(user *models.User, contact *models.Contact, text string) (legacyID string, err error)
}

// RPCPlugin adapts a RemoteAdapter to go-plugin's net/rpc transport.
type RPCPlugin struct {
	Impl RemoteAdapter
}

// Server returns the RPC server-side stub wrapping Impl, called in the
// plugin (child) process.
func (p *RPCPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &rpcServer{impl: p.Impl}, nil
}

// Client returns the RPC client-side stub, called in the host process.
func (p *RPCPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// PluginMap is the single named plugin type this host dispenses.
var PluginMap = map[string]goplugin.Plugin{"adapter": &RPCPlugin{}}

// rpcServer exposes RemoteAdapter methods in the shape net/rpc requires:
// one exported method per RPC, each taking (args, *reply) and returning
// only error.
type rpcServer struct{ impl RemoteAdapter }

type loginArgs struct{ User *models.User }
type loginReply struct{ Status string }

func (s *rpcServer) Login(args loginArgs, reply *loginReply) error {
	status, err := s.impl.Login(args.User)
	reply.Status = status
	return err
}

func (s *rpcServer) Logout(args *models.User, _ *struct{}) error {
	return s.impl.Logout(args)
}

func (s *rpcServer) Unregister(args *models.User, _ *struct{}) error {
	return s.impl.Unregister(args)
}

type sendTextArgs struct {
	User    *models.User
	Contact *models.Contact
	Text    string
}
type sendTextReply struct{ LegacyID string }

func (s *rpcServer) SendText(args sendTextArgs, reply *sendTextReply) error {
	id, err := s.impl.SendText(args.User, args.Contact, args.Text)
	reply.LegacyID = id
	return err
}

// rpcClient implements RemoteAdapter by forwarding calls over net/rpc.
type rpcClient struct{ client *rpc.Client }

func (c *rpcClient) Login(user *models.User) (string, error) {
	var reply loginReply
	err := c.client.Call("adapter.Login", loginArgs{User: user}, &reply)
	return reply.Status, err
}

func (c *rpcClient) Logout(user *models.User) error {
	return c.client.Call("adapter.Logout", user, &struct{}{})
}

func (c *rpcClient) Unregister(user *models.User) error {
	return c.client.Call("adapter.Unregister", user, &struct{}{})
}

func (c *rpcClient) SendText(user *models.User, contact *models.Contact, text string) (string, error) {
	var reply sendTextReply
	err := c.client.Call("adapter.SendText", sendTextArgs{User: user, Contact: contact, Text: text}, &reply)
	return reply.LegacyID, err
}

// Host manages out-of-process adapter plugins: one legacy-network
// implementation per executable under a plugin directory, each run in its
// own OS process and reached over net/rpc, following the same
// NewClient/Dispense lifecycle as the roster plugin host this package's
// lineage used for GUI plugins.
type Host struct {
	mu        sync.RWMutex
	loaded    map[string]*loadedPlugin
	pluginDir string
}

type loadedPlugin struct {
	adapter RemoteAdapter
	client  *goplugin.Client
}

// NewHost builds a Host that looks for plugin executables under dir.
func NewHost(dir string) *Host {
	return &Host{loaded: make(map[string]*loadedPlugin), pluginDir: dir}
}

// LoadAll loads every executable in the plugin directory. A missing
// directory is not an error: plugins are optional.
func (h *Host) LoadAll() error {
	if h.pluginDir == "" {
		return nil
	}
	entries, err := os.ReadDir(h.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("adapter: list plugin dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := h.Load(filepath.Join(h.pluginDir, entry.Name())); err != nil {
			return fmt.Errorf("adapter: load plugin %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Load starts one plugin executable and dispenses its RemoteAdapter.
func (h *Host) Load(path string) error {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("adapter: connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("adapter")
	if err != nil {
		client.Kill()
		return fmt.Errorf("adapter: dispense plugin: %w", err)
	}

	a, ok := raw.(RemoteAdapter)
	if !ok {
		client.Kill()
		return fmt.Errorf("adapter: plugin %s does not implement RemoteAdapter", path)
	}

	h.mu.Lock()
	h.loaded[filepath.Base(path)] = &loadedPlugin{adapter: a, client: client}
	h.mu.Unlock()
	return nil
}

// Get returns the loaded adapter registered under name (the plugin
// executable's base filename), or nil if none was loaded.
func (h *Host) Get(name string) RemoteAdapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lp := h.loaded[name]
	if lp == nil {
		return nil
	}
	return lp.adapter
}

// UnloadAll terminates every plugin process. Called from Gateway.Close
// during process shutdown.
func (h *Host) UnloadAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, lp := range h.loaded {
		lp.client.Kill()
		delete(h.loaded, name)
	}
}
