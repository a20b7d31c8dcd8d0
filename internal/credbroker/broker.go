package credbroker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotRegistered is returned when a caller requests credentials for a
// bridge ID that was never registered (or whose on-disk file is missing).
var ErrNotRegistered = errors.New("credbroker: bridge not registered")

// request is the single framed message type the broker's Unix socket
// accepts, one JSON object per line.
type request struct {
	Method   string `json:"method"`
	BridgeID string `json:"bridge_id,omitempty"`
}

type response struct {
	Version     string `json:"version,omitempty"`
	Credentials []byte `json:"credentials,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PeerIdentity is the credential of the process on the other end of a Unix
// socket connection, read via SO_PEERCRED.
type PeerIdentity struct {
	PID int32
	UID uint32
	GID uint32
}

// Broker manages per-workspace bridge secrets: registration encrypts and
// persists a secret under a key derived from the workspace's device key;
// retrieval decrypts it for a peer whose identity has been verified over the
// socket connection itself.
type Broker struct {
	mu        sync.RWMutex
	cache     map[string][]byte
	masterKey []byte
	bridgeDir string

	// AuthorizeFunc vets a connecting peer before it can request
	// credentials; nil means same-UID-as-process is required.
	AuthorizeFunc func(PeerIdentity) bool
}

// NewBroker builds a Broker that stores encrypted bridge secrets under
// dataDir/bridges, keyed off masterKey (the workspace device key).
func NewBroker(masterKey []byte, dataDir string) (*Broker, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("credbroker: master key is required")
	}
	bridgeDir := filepath.Join(dataDir, "bridges")
	if err := os.MkdirAll(bridgeDir, 0o700); err != nil {
		return nil, fmt.Errorf("create bridge dir: %w", err)
	}
	return &Broker{
		cache:     make(map[string][]byte),
		masterKey: masterKey,
		bridgeDir: bridgeDir,
	}, nil
}

// Register encrypts secret under a bridgeID-derived key and persists it,
// updating the in-memory cache so a subsequent GetCredentials call for the
// same process doesn't re-read the disk.
func (b *Broker) Register(bridgeID string, secret []byte) error {
	blob, err := seal(b.masterKey, bridgeID, secret)
	if err != nil {
		return err
	}
	path := b.credentialPath(bridgeID)
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[bridgeID] = append([]byte{}, secret...)
	return nil
}

// GetCredentials returns the decrypted secret for bridgeID after verifying
// identity is authorized, loading from disk and caching on a cold miss.
func (b *Broker) GetCredentials(bridgeID string, identity PeerIdentity) ([]byte, error) {
	authorize := b.AuthorizeFunc
	if authorize == nil {
		authorize = sameUIDAuthorizer
	}
	if !authorize(identity) {
		return nil, fmt.Errorf("credbroker: peer %+v not authorized", identity)
	}

	b.mu.RLock()
	if secret, ok := b.cache[bridgeID]; ok {
		b.mu.RUnlock()
		return secret, nil
	}
	b.mu.RUnlock()

	blob, err := os.ReadFile(b.credentialPath(bridgeID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	secret, err := open(b.masterKey, bridgeID, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for %q: %w", bridgeID, err)
	}

	b.mu.Lock()
	b.cache[bridgeID] = secret
	b.mu.Unlock()
	return secret, nil
}

func (b *Broker) credentialPath(bridgeID string) string {
	return filepath.Join(b.bridgeDir, bridgeID+".enc")
}

func sameUIDAuthorizer(id PeerIdentity) bool {
	return int(id.UID) == os.Getuid()
}

// Serve accepts connections on socketPath until ctx is canceled, handling
// each with a single request/response exchange. The socket file is removed
// and recreated on start to clear a stale one from a prior crashed run.
func (b *Broker) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log := slog.Default().With("component", "credbroker")
	log.Info("listening", "socket", socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("accept failed", "error", err)
			continue
		}
		go b.handleConn(conn, log)
	}
}

func (b *Broker) handleConn(conn net.Conn, log *slog.Logger) {
	defer conn.Close()

	identity, err := peerIdentity(conn)
	if err != nil {
		log.Error("peer identity check failed", "error", err)
		return
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		writeResponse(conn, response{Error: "malformed request"})
		return
	}

	switch req.Method {
	case "get_version":
		writeResponse(conn, response{Version: "1"})
	case "get_credentials":
		secret, err := b.GetCredentials(req.BridgeID, identity)
		if err != nil {
			writeResponse(conn, response{Error: err.Error()})
			return
		}
		writeResponse(conn, response{Credentials: secret})
	default:
		writeResponse(conn, response{Error: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

func writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// peerIdentity reads the connecting process's credentials via SO_PEERCRED,
// using the same golang.org/x/sys/unix package internal/concurrency's
// WorkspaceLock uses for flock.
func peerIdentity(conn net.Conn) (PeerIdentity, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerIdentity{}, errors.New("credbroker: not a unix socket connection")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("syscall conn: %w", err)
	}

	var ucred *unix.Ucred
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("control: %w", err)
	}
	if ctrlErr != nil {
		return PeerIdentity{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", ctrlErr)
	}
	return PeerIdentity{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
