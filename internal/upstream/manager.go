package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/secureenv"
	"github.com/mcpbroker/mcpbroker-go/internal/store"
	"github.com/mcpbroker/mcpbroker-go/internal/toolfilter"
	"github.com/mcpbroker/mcpbroker-go/internal/transport"
)

// OAuthInjector is the slice of the OAuth service the manager pulls
// credentials through before opening a remote transport. Phrasing it as
// a pull keeps the dependency one-directional.
type OAuthInjector interface {
	GetHeaders(ctx context.Context, serverID string) (map[string]string, error)
	HTTPClient(serverID string) *http.Client
}

// Dialer opens a live connection for a server. Substituted in tests.
type Dialer func(ctx context.Context, srv *contracts.Server, headers map[string]string, httpClient *http.Client, envManager *secureenv.Manager) (Conn, error)

// Manager owns the upstream server lifecycle. All three maps are keyed
// by server id; per-server operations are serialized so start, stop and
// remove for one server execute in request order.
type Manager struct {
	store      *store.Store
	filter     *toolfilter.Service
	oauth      OAuthInjector
	envManager *secureenv.Manager
	logger     *zap.Logger
	dial       Dialer

	mu       sync.RWMutex
	servers  map[string]*contracts.Server
	conns    map[string]Conn
	nameToID map[string]string
	status   map[string]contracts.ServerStatus
	errMsg   map[string]string

	opsMu sync.Mutex
	ops   map[string]*sync.Mutex
}

// NewManager creates the manager and loads persisted servers into the
// in-memory maps.
func NewManager(ctx context.Context, st *store.Store, filter *toolfilter.Service, oauthSvc OAuthInjector, envManager *secureenv.Manager, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		store:      st,
		filter:     filter,
		oauth:      oauthSvc,
		envManager: envManager,
		logger:     logger.Named("upstream"),
		servers:    make(map[string]*contracts.Server),
		conns:      make(map[string]Conn),
		nameToID:   make(map[string]string),
		status:     make(map[string]contracts.ServerStatus),
		errMsg:     make(map[string]string),
		ops:        make(map[string]*sync.Mutex),
	}
	m.dial = m.dialTransport

	servers, err := st.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, srv := range servers {
		m.servers[srv.ID] = srv
		m.nameToID[srv.Name] = srv.ID
		m.status[srv.ID] = contracts.StatusStopped
	}
	return m, nil
}

// SetDialer replaces the transport dialer. Test hook.
func (m *Manager) SetDialer(d Dialer) { m.dial = d }

// opLock returns the per-server serialization lock.
func (m *Manager) opLock(serverID string) *sync.Mutex {
	m.opsMu.Lock()
	defer m.opsMu.Unlock()
	lock, ok := m.ops[serverID]
	if !ok {
		lock = &sync.Mutex{}
		m.ops[serverID] = lock
	}
	return lock
}

// AddServer persists a new server record and registers it stopped.
func (m *Manager) AddServer(ctx context.Context, srv *contracts.Server) (*contracts.Server, error) {
	if srv.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if srv.ID == "" {
		srv.ID = ulid.Make().String()
	}
	now := contracts.NowMillis()
	srv.Created, srv.Updated = now, now

	if err := m.store.CreateServer(ctx, srv); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.servers[srv.ID] = srv
	m.nameToID[srv.Name] = srv.ID
	m.status[srv.ID] = contracts.StatusStopped
	m.mu.Unlock()

	m.logger.Info("Added server",
		zap.String("server_id", srv.ID),
		zap.String("name", srv.Name),
		zap.String("type", string(srv.ServerType)))
	return srv, nil
}

// UpdateServer persists changes to a server record. A running server
// keeps its current connection until restarted.
func (m *Manager) UpdateServer(ctx context.Context, srv *contracts.Server) error {
	m.mu.RLock()
	old, ok := m.servers[srv.ID]
	m.mu.RUnlock()
	if !ok {
		return contracts.ErrNotFound
	}

	srv.Created = old.Created
	srv.Updated = contracts.NowMillis()
	if err := m.store.UpdateServer(ctx, srv); err != nil {
		return err
	}

	m.mu.Lock()
	if old.Name != srv.Name {
		delete(m.nameToID, old.Name)
		m.nameToID[srv.Name] = srv.ID
	}
	m.servers[srv.ID] = srv
	m.mu.Unlock()
	return nil
}

// GetServer returns the record with runtime status overlaid.
func (m *Manager) GetServer(serverID string) (*contracts.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[serverID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return m.withRuntime(srv), nil
}

// ResolveID maps a server name or id to the id.
func (m *Manager) ResolveID(nameOrID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.servers[nameOrID]; ok {
		return nameOrID, nil
	}
	if id, ok := m.nameToID[nameOrID]; ok {
		return id, nil
	}
	return "", contracts.ErrNotFound
}

// ListServers returns every record with runtime status overlaid.
func (m *Manager) ListServers() []*contracts.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Server, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, m.withRuntime(srv))
	}
	return out
}

// withRuntime copies a record and fills the runtime-only fields. Callers
// hold at least a read lock.
func (m *Manager) withRuntime(srv *contracts.Server) *contracts.Server {
	cp := *srv
	cp.Status = m.status[srv.ID]
	cp.ErrorMessage = m.errMsg[srv.ID]
	return &cp
}

// Status returns the runtime status for a server.
func (m *Manager) Status(serverID string) contracts.ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.status[serverID]; ok {
		return s
	}
	return contracts.StatusStopped
}

// Conn returns the live connection for a server, or ErrServerNotRunning.
func (m *Manager) Conn(serverID string) (Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[serverID]
	if !ok {
		return nil, contracts.ErrServerNotRunning
	}
	return conn, nil
}

// StartServer connects an upstream server. Starting a running server is
// a no-op; a disabled server is rejected.
func (m *Manager) StartServer(ctx context.Context, serverID string) error {
	lock := m.opLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	srv, ok := m.servers[serverID]
	running := m.status[serverID] == contracts.StatusRunning
	m.mu.RUnlock()
	if !ok {
		return contracts.ErrNotFound
	}
	if running {
		return nil
	}
	if srv.Disabled {
		return fmt.Errorf("server %s is disabled", srv.Name)
	}

	m.setStatus(serverID, contracts.StatusStarting, "")

	headers, httpClient, err := m.remoteCredentials(ctx, srv)
	if err != nil {
		m.setStatus(serverID, contracts.StatusError, err.Error())
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, srv, headers, httpClient, m.envManager)
	if err != nil {
		m.setStatus(serverID, contracts.StatusError, err.Error())
		m.logger.Error("Failed to start server",
			zap.String("server_id", serverID),
			zap.String("name", srv.Name),
			zap.Error(err))
		return &contracts.UpstreamError{ServerID: serverID, Err: err}
	}

	m.mu.Lock()
	m.conns[serverID] = conn
	m.status[serverID] = contracts.StatusRunning
	delete(m.errMsg, serverID)
	m.mu.Unlock()

	m.logger.Info("Server running",
		zap.String("server_id", serverID),
		zap.String("name", srv.Name),
		zap.String("type", string(srv.ServerType)))

	go m.discoverTools(serverID, srv.Name, conn)
	return nil
}

// StopServer closes the connection and marks the server stopped.
// Idempotent.
func (m *Manager) StopServer(ctx context.Context, serverID string) error {
	lock := m.opLock(serverID)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(serverID)
}

func (m *Manager) stopLocked(serverID string) error {
	m.mu.Lock()
	if _, ok := m.servers[serverID]; !ok {
		m.mu.Unlock()
		return contracts.ErrNotFound
	}
	conn := m.conns[serverID]
	delete(m.conns, serverID)
	m.status[serverID] = contracts.StatusStopping
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn("Error closing upstream connection",
				zap.String("server_id", serverID),
				zap.Error(err))
		}
	}
	m.setStatus(serverID, contracts.StatusStopped, "")
	return nil
}

// RestartServer stops then starts a server under one serialization slot.
func (m *Manager) RestartServer(ctx context.Context, serverID string) error {
	if err := m.StopServer(ctx, serverID); err != nil {
		return err
	}
	return m.StartServer(ctx, serverID)
}

// RemoveServer stops the server and deletes its record. Token grants and
// tool preferences referencing it fall away with the row.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	lock := m.opLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	srv, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return contracts.ErrNotFound
	}

	if err := m.stopLocked(serverID); err != nil {
		return err
	}
	if err := m.store.DeleteServer(ctx, serverID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.servers, serverID)
	delete(m.nameToID, srv.Name)
	delete(m.status, serverID)
	delete(m.errMsg, serverID)
	m.mu.Unlock()

	m.logger.Info("Removed server",
		zap.String("server_id", serverID),
		zap.String("name", srv.Name))
	return nil
}

// AutoStartAll starts every enabled auto-start server. Individual
// failures are logged, never fatal.
func (m *Manager) AutoStartAll(ctx context.Context) {
	m.mu.RLock()
	var candidates []string
	for id, srv := range m.servers {
		if srv.AutoStart && !srv.Disabled {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range candidates {
		if err := m.StartServer(ctx, id); err != nil {
			m.logger.Warn("Auto-start failed",
				zap.String("server_id", id),
				zap.Error(err))
		}
	}
}

// ClearAll stops every running server and empties the maps. Used on
// workspace switch.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	conns := m.conns
	m.servers = make(map[string]*contracts.Server)
	m.conns = make(map[string]Conn)
	m.nameToID = make(map[string]string)
	m.status = make(map[string]contracts.ServerStatus)
	m.errMsg = make(map[string]string)
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("Error closing upstream connection",
				zap.String("server_id", id),
				zap.Error(err))
		}
	}
}

func (m *Manager) setStatus(serverID string, status contracts.ServerStatus, errMsg string) {
	m.mu.Lock()
	m.status[serverID] = status
	if errMsg == "" {
		delete(m.errMsg, serverID)
	} else {
		m.errMsg[serverID] = errMsg
	}
	m.mu.Unlock()
}

// remoteCredentials builds the injected headers and, for SSE, the
// OAuth-aware HTTP client. Local servers get neither; their credentials
// travel through env.
func (m *Manager) remoteCredentials(ctx context.Context, srv *contracts.Server) (map[string]string, *http.Client, error) {
	if srv.ServerType == contracts.ServerTypeLocal {
		return nil, nil, nil
	}

	headers := make(map[string]string)
	if srv.BearerToken != "" {
		headers["Authorization"] = "Bearer " + srv.BearerToken
	}
	if m.oauth != nil {
		oauthHeaders, err := m.oauth.GetHeaders(ctx, srv.ID)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range oauthHeaders {
			headers[k] = v
		}
	}

	var httpClient *http.Client
	if srv.ServerType == contracts.ServerTypeRemote && m.oauth != nil {
		// SSE connections outlive the token that opened them; the wrapper
		// refreshes on 401 and retries once.
		httpClient = m.oauth.HTTPClient(srv.ID)
	}
	return headers, httpClient, nil
}

// dialTransport is the production dialer.
func (m *Manager) dialTransport(ctx context.Context, srv *contracts.Server, headers map[string]string, httpClient *http.Client, envManager *secureenv.Manager) (Conn, error) {
	var conn Conn
	switch srv.ServerType {
	case contracts.ServerTypeLocal:
		args := SubstitutePlaceholders(srv.Args, srv.InputParams, srv.Env)
		c, err := transport.CreateStdioClient(&transport.StdioConfig{
			Command:    srv.Command,
			Args:       args,
			Env:        srv.Env,
			EnvManager: envManager,
		})
		if err != nil {
			return nil, err
		}
		conn = newMCPConn(c)
	case contracts.ServerTypeRemote:
		c, err := transport.CreateSSEClient(&transport.HTTPConfig{
			URL:        srv.RemoteURL,
			Headers:    headers,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, err
		}
		conn = newMCPConn(c)
	case contracts.ServerTypeRemoteStreamable:
		c, err := transport.CreateStreamableClient(&transport.HTTPConfig{
			URL:     srv.RemoteURL,
			Headers: headers,
		})
		if err != nil {
			return nil, err
		}
		conn = newMCPConn(c)
	default:
		return nil, fmt.Errorf("unknown server type %q", srv.ServerType)
	}

	if err := conn.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// discoverTools lists the server's tools and reconciles the tool filter.
func (m *Manager) discoverTools(serverID, name string, conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		m.logger.Warn("Tool discovery failed",
			zap.String("server_id", serverID),
			zap.String("name", name),
			zap.Error(err))
		return
	}
	if err := m.filter.SyncDiscoveredTools(ctx, serverID, tools); err != nil {
		m.logger.Error("Failed to sync discovered tools",
			zap.String("server_id", serverID),
			zap.Error(err))
		return
	}
	m.logger.Info("Discovered tools",
		zap.String("server_id", serverID),
		zap.String("name", name),
		zap.Int("count", len(tools)))
}

// SubstitutePlaceholders expands ${PARAM}, {PARAM} and user_config.PARAM
// references in args. Values come from input parameter defaults overlaid
// with the server's env.
func SubstitutePlaceholders(args []string, params []contracts.InputParam, env map[string]string) []string {
	values := make(map[string]string, len(params)+len(env))
	for _, p := range params {
		values[p.Name] = p.Default
	}
	for k, v := range env {
		values[k] = v
	}

	out := make([]string, len(args))
	for i, arg := range args {
		expanded := arg
		for name, value := range values {
			expanded = strings.ReplaceAll(expanded, "${"+name+"}", value)
			expanded = strings.ReplaceAll(expanded, "{"+name+"}", value)
			expanded = strings.ReplaceAll(expanded, "user_config."+name, value)
		}
		out[i] = expanded
	}
	return out
}
