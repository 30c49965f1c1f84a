package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"
	"notecollab/pkg/crdt"
	apperrors "notecollab/pkg/errors"
	"notecollab/pkg/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SessionManagerConfig struct {
	PersistInterval       time.Duration
	IdleTimeout           time.Duration
	MaxConnectionsPerUser int
	MaxDocumentsPerUser   int
	MaxDocumentSizeBytes  int64
	FlushRetry            retry.Config
	FlushConcurrency      int
}

func DefaultSessionManagerConfig() SessionManagerConfig {
	return SessionManagerConfig{
		PersistInterval:       2 * time.Second,
		IdleTimeout:           30 * time.Second,
		MaxConnectionsPerUser: 20,
		MaxDocumentsPerUser:   10,
		MaxDocumentSizeBytes:  10 << 20,
		FlushRetry:            retry.DefaultConfig(),
		FlushConcurrency:      8,
	}
}

type SessionStats struct {
	Documents      int `json:"documents"`
	Connections    int `json:"connections"`
	DirtyDocuments int `json:"dirty_documents"`
	Users          int `json:"users"`
}

type sessionEntry struct {
	ready   chan struct{}
	session *DocumentSession
	err     error
}

// SessionManager owns the live document sessions of this process. There is
// at most one session per document; it is created on first open and evicted
// after its last peer leaves and its state has been flushed.
type SessionManager struct {
	store   SessionStore
	hub     *RevocationHub
	cfg     SessionManagerConfig
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu        sync.Mutex
	sessions  map[domain.DocumentID]*sessionEntry
	userConns map[domain.UserID]int
	userDocs  map[domain.UserID]map[domain.DocumentID]int
	closed    bool
	wg        sync.WaitGroup
}

func NewSessionManager(
	store SessionStore,
	hub *RevocationHub,
	cfg SessionManagerConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *SessionManager {
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.FlushConcurrency <= 0 {
		cfg.FlushConcurrency = 8
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	return &SessionManager{
		store:     store,
		hub:       hub,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[domain.DocumentID]*sessionEntry),
		userConns: make(map[domain.UserID]int),
		userDocs:  make(map[domain.UserID]map[domain.DocumentID]int),
	}
}

// Open returns the live session for documentID, loading it from the store
// if needed. Concurrent opens of the same document share one load.
func (m *SessionManager) Open(ctx context.Context, documentID domain.DocumentID) (*DocumentSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	entry, ok := m.sessions[documentID]
	if !ok {
		entry = &sessionEntry{ready: make(chan struct{})}
		m.sessions[documentID] = entry
		m.mu.Unlock()

		// the load outlives the caller that triggered it
		m.load(context.WithoutCancel(ctx), documentID, entry)
	} else {
		m.mu.Unlock()
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.session, nil
}

func (m *SessionManager) load(ctx context.Context, documentID domain.DocumentID, entry *sessionEntry) {
	session, err := m.loadSession(ctx, documentID)

	m.mu.Lock()
	if err != nil {
		if m.sessions[documentID] == entry {
			delete(m.sessions, documentID)
		}
		entry.err = err
	} else {
		entry.session = session
	}
	m.mu.Unlock()
	close(entry.ready)

	if err != nil {
		if !errors.Is(err, domain.ErrDocumentNotFound) {
			m.logger.Errorw("Failed to open document session", "document_id", documentID, "error", err)
		}
		return
	}

	m.metrics.SessionOpened()
	m.logger.Debugw("Document session opened", "document_id", documentID, "title", session.title, "updates", session.doc.Len())
}

func (m *SessionManager) loadSession(ctx context.Context, documentID domain.DocumentID) (*DocumentSession, error) {
	meta, err := m.store.Metadata(ctx, documentID)
	if err != nil {
		return nil, err
	}

	doc, err := m.store.Load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &DocumentSession{
		id:           documentID,
		title:        meta.Title,
		manager:      m,
		doc:          doc,
		peers:        make(map[domain.ConnectionID]*peerState),
		lastPersist:  now,
		lastActivity: now,
	}
	s.sub = m.hub.Subscribe(documentID)
	go m.watchRevocations(s)
	return s, nil
}

// Join reserves the user's connection and document slots, opens the
// session and attaches peer. A join that races the eviction of the same
// document waits for the eviction to settle and opens a fresh session.
func (m *SessionManager) Join(ctx context.Context, documentID domain.DocumentID, peer ports.SessionPeer) (*DocumentSession, error) {
	userID := peer.User().ID
	if err := m.reserve(userID, documentID); err != nil {
		return nil, err
	}

	for {
		s, err := m.Open(ctx, documentID)
		if err != nil {
			m.release(userID, documentID)
			return nil, err
		}

		err = s.attach(peer, true)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, domain.ErrSessionClosed) {
			m.release(userID, documentID)
			return nil, err
		}

		select {
		case <-s.settled():
		case <-ctx.Done():
			m.release(userID, documentID)
			return nil, ctx.Err()
		}
	}
}

func (m *SessionManager) reserve(userID domain.UserID, documentID domain.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrShuttingDown
	}
	if limit := m.cfg.MaxConnectionsPerUser; limit > 0 && m.userConns[userID] >= limit {
		return domain.ErrConnectionLimit
	}
	docs := m.userDocs[userID]
	if limit := m.cfg.MaxDocumentsPerUser; limit > 0 && docs[documentID] == 0 && len(docs) >= limit {
		return domain.ErrDocumentLimit
	}

	if docs == nil {
		docs = make(map[domain.DocumentID]int)
		m.userDocs[userID] = docs
	}
	m.userConns[userID]++
	docs[documentID]++
	return nil
}

func (m *SessionManager) release(userID domain.UserID, documentID domain.DocumentID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userConns[userID] <= 1 {
		delete(m.userConns, userID)
	} else {
		m.userConns[userID]--
	}

	docs := m.userDocs[userID]
	if docs[documentID] <= 1 {
		delete(docs, documentID)
	} else {
		docs[documentID]--
	}
	if len(docs) == 0 {
		delete(m.userDocs, userID)
	}
}

// beginFinalize registers a finalizer unless the manager is shutting down.
func (m *SessionManager) beginFinalize() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// finalize flushes a session that has entered closing and evicts it. When
// the flush keeps failing the session is reopened as idle so the sweep can
// retry it later.
func (m *SessionManager) finalize(s *DocumentSession, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	ctx := context.Background()
	err := retry.Retry(ctx, m.cfg.FlushRetry, func() error {
		return s.flush(ctx)
	})

	s.mu.Lock()
	if s.closed {
		// deleted or shut down meanwhile; whoever closed it evicts
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.closing = false
		s.closingDone = nil
		s.lastActivity = m.now()
		s.mu.Unlock()
		m.logger.Errorw("Final flush failed, keeping session idle", "document_id", s.id, "error", err)
		return
	}
	s.closed = true
	s.mu.Unlock()

	m.evict(s)
}

func (m *SessionManager) evict(s *DocumentSession) {
	m.mu.Lock()
	entry, ok := m.sessions[s.id]
	removed := ok && entry.session == s
	if removed {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	s.sub.Close()
	if removed {
		m.metrics.SessionClosed()
		m.logger.Debugw("Document session evicted", "document_id", s.id)
	}
}

func (m *SessionManager) watchRevocations(s *DocumentSession) {
	for ev := range s.sub.C {
		s.applyRevocation(ev)
	}
}

// DeleteDocument tears down the session of a deleted document without
// flushing it and removes its persisted state.
func (m *SessionManager) DeleteDocument(ctx context.Context, documentID domain.DocumentID) error {
	m.mu.Lock()
	entry := m.sessions[documentID]
	m.mu.Unlock()

	if entry != nil {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if entry != nil && entry.session != nil {
		s := entry.session

		s.mu.Lock()
		s.deleted = true
		s.dirty = false
		s.closed = true
		var done chan struct{}
		if !s.closing {
			s.closing = true
			done = make(chan struct{})
			s.closingDone = done
		}
		removed := s.takePeers()
		s.mu.Unlock()

		appErr := apperrors.NewDocumentNotFoundError(string(documentID))
		for _, ps := range removed {
			ps.peer.Terminate(appErr)
		}
		m.evict(s)
		if done != nil {
			close(done)
		}

		// wait out an in-flight flush before deleting what it may have written
		s.flushMu.Lock()
		defer s.flushMu.Unlock()

		m.logger.Infow("Document deleted, session closed", "document_id", documentID, "peers", len(removed))
	}

	return m.store.Delete(ctx, documentID)
}

func (m *SessionManager) liveSessions() []*DocumentSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*DocumentSession, 0, len(m.sessions))
	for _, entry := range m.sessions {
		select {
		case <-entry.ready:
			if entry.session != nil {
				out = append(out, entry.session)
			}
		default:
		}
	}
	return out
}

// FlushAll persists every dirty session.
func (m *SessionManager) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.FlushConcurrency)

	for _, s := range m.liveSessions() {
		g.Go(func() error {
			return s.flush(ctx)
		})
	}
	return g.Wait()
}

// Run flushes dirty sessions every persistence interval and closes idle
// sessions that have no peers, until ctx is done.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *SessionManager) tick(ctx context.Context) {
	if err := m.FlushAll(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warnw("Periodic flush failed", "error", err)
	}
	m.sweepIdle()
}

func (m *SessionManager) sweepIdle() {
	now := m.now()
	for _, s := range m.liveSessions() {
		s.mu.Lock()
		idle := len(s.peers) == 0 && !s.closing && !s.closed && now.Sub(s.lastActivity) >= m.cfg.IdleTimeout
		var done chan struct{}
		if idle {
			s.closing = true
			done = make(chan struct{})
			s.closingDone = done
		}
		s.mu.Unlock()

		if !idle {
			continue
		}
		if !m.beginFinalize() {
			s.abortClosing(done)
			continue
		}
		m.finalize(s, done)
	}
}

// Shutdown closes every peer with 1001, waits for pending finalizers and
// flushes what is left.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	sessions := m.liveSessions()
	for _, s := range sessions {
		s.mu.Lock()
		s.closed = true
		removed := s.takePeers()
		s.mu.Unlock()

		for _, ps := range removed {
			ps.peer.Close(apperrors.CloseGoingAway, "server shutting down")
		}
	}

	finalized := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finalized)
	}()
	select {
	case <-finalized:
	case <-ctx.Done():
		m.logger.Warnw("Timed out waiting for session finalizers")
	}

	err := m.FlushAll(ctx)
	for _, s := range sessions {
		m.evict(s)
	}
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func (m *SessionManager) Stats() SessionStats {
	sessions := m.liveSessions()
	stats := SessionStats{Documents: len(sessions)}
	for _, s := range sessions {
		s.mu.Lock()
		stats.Connections += len(s.peers)
		if s.dirty {
			stats.DirtyDocuments++
		}
		s.mu.Unlock()
	}

	m.mu.Lock()
	stats.Users = len(m.userConns)
	m.mu.Unlock()
	return stats
}

type peerState struct {
	peer         ports.SessionPeer
	awareness    domain.AwarenessState
	hasAwareness bool
	reserved     bool
}

// DocumentSession is the in-memory replica of one open document and its
// roster of attached peers.
type DocumentSession struct {
	id      domain.DocumentID
	title   string
	manager *SessionManager
	sub     *RevocationSubscription

	mu           sync.Mutex
	doc          *crdt.Doc
	peers        map[domain.ConnectionID]*peerState
	dirty        bool
	version      uint64
	lastPersist  time.Time
	lastActivity time.Time
	closing      bool
	closed       bool
	deleted      bool
	closingDone  chan struct{}

	// serializes flushes
	flushMu sync.Mutex
}

func (s *DocumentSession) ID() domain.DocumentID {
	return s.id
}

// Title is the note title read when the session was opened.
func (s *DocumentSession) Title() string {
	return s.title
}

// Attach adds peer to the roster and sends it the full state and the
// presence of the other peers.
func (s *DocumentSession) Attach(peer ports.SessionPeer) error {
	return s.attach(peer, false)
}

func (s *DocumentSession) attach(peer ports.SessionPeer, reserved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.closing {
		return domain.ErrSessionClosed
	}
	if _, ok := s.peers[peer.ID()]; ok {
		return domain.ErrAlreadyAttached
	}

	full, err := s.doc.Encode()
	if err != nil {
		return err
	}
	if err := peer.SendSync(full, s.doc.Updates()); err != nil {
		return fmt.Errorf("send sync: %w", err)
	}
	for _, other := range s.peers {
		if other.hasAwareness {
			peer.SendAwareness(domain.AwarenessUpdate{
				ConnectionID: other.peer.ID(),
				User:         other.peer.User(),
				State:        other.awareness,
			})
		}
	}

	s.peers[peer.ID()] = &peerState{peer: peer, reserved: reserved}
	s.lastActivity = s.manager.now()
	s.manager.metrics.PeerAttached()
	return nil
}

// Detach removes a connection. The last peer to leave starts the final
// flush and eviction of the session.
func (s *DocumentSession) Detach(connectionID domain.ConnectionID) {
	m := s.manager

	s.mu.Lock()
	ps, ok := s.peers[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, connectionID)

	removal := domain.AwarenessUpdate{ConnectionID: connectionID, User: ps.peer.User(), Removed: true}
	for _, other := range s.peers {
		other.peer.SendAwareness(removal)
	}

	last := len(s.peers) == 0 && !s.closing && !s.closed
	var done chan struct{}
	if last {
		s.closing = true
		done = make(chan struct{})
		s.closingDone = done
	}
	s.lastActivity = m.now()
	s.mu.Unlock()

	if ps.reserved {
		m.release(ps.peer.User().ID, s.id)
	}
	m.metrics.PeerDetached()

	if !last {
		return
	}
	if !m.beginFinalize() {
		s.abortClosing(done)
		return
	}
	go m.finalize(s, done)
}

func (s *DocumentSession) abortClosing(done chan struct{}) {
	s.mu.Lock()
	if s.closingDone == done {
		s.closing = false
		s.closingDone = nil
	}
	s.mu.Unlock()
	close(done)
}

// takePeers empties the roster and releases reservations. Callers hold s.mu.
func (s *DocumentSession) takePeers() []*peerState {
	out := make([]*peerState, 0, len(s.peers))
	for id, ps := range s.peers {
		out = append(out, ps)
		delete(s.peers, id)
		if ps.reserved {
			s.manager.release(ps.peer.User().ID, s.id)
		}
		s.manager.metrics.PeerDetached()
	}
	return out
}

// settled returns a channel that is closed once a pending close has
// finished.
func (s *DocumentSession) settled() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closingDone != nil {
		return s.closingDone
	}
	done := make(chan struct{})
	close(done)
	return done
}

// ApplyUpdate merges an update from an attached connection and relays it to
// every other peer. Duplicates are accepted and not relayed.
func (s *DocumentSession) ApplyUpdate(connectionID domain.ConnectionID, update []byte) error {
	m := s.manager

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	ps, ok := s.peers[connectionID]
	if !ok {
		return fmt.Errorf("%w: connection %s not attached", domain.ErrSessionClosed, connectionID)
	}
	if level := ps.peer.Level(); !level.CanWrite() {
		m.metrics.UpdateRejected("forbidden")
		return &domain.PermissionDeniedError{
			DocumentID: s.id,
			UserID:     ps.peer.User().ID,
			Needed:     domain.LevelEditor,
			Current:    level,
		}
	}
	if len(update) == 0 {
		m.metrics.UpdateRejected("empty")
		return crdt.ErrEmptyUpdate
	}
	if s.doc.Has(update) {
		return nil
	}
	if limit := m.cfg.MaxDocumentSizeBytes; limit > 0 && s.doc.Size()+int64(len(update)) > limit {
		m.metrics.UpdateRejected("too_large")
		return domain.ErrDocumentTooLarge
	}

	if _, err := s.doc.Apply(update); err != nil {
		return err
	}
	s.dirty = true
	s.version++
	s.lastActivity = m.now()

	for id, other := range s.peers {
		if id == connectionID {
			continue
		}
		if err := other.peer.SendUpdate(update); err != nil {
			m.logger.Debugw("Dropping update for slow peer", "document_id", s.id, "connection_id", id, "error", err)
		}
	}
	m.metrics.UpdateApplied(len(update))
	return nil
}

// BroadcastAwareness merges a presence update and relays it to the other
// peers.
func (s *DocumentSession) BroadcastAwareness(connectionID domain.ConnectionID, state domain.AwarenessState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[connectionID]
	if !ok || s.closed {
		return domain.ErrSessionClosed
	}
	// a revoked peer stays in the roster until its reader exits
	if !ps.peer.Level().CanRead() {
		return fmt.Errorf("%w: connection %s has no access", domain.ErrSessionClosed, connectionID)
	}
	ps.awareness = ps.awareness.Merge(state)
	ps.hasAwareness = true

	update := domain.AwarenessUpdate{
		ConnectionID: connectionID,
		User:         ps.peer.User(),
		State:        ps.awareness,
	}
	for id, other := range s.peers {
		if id != connectionID {
			other.peer.SendAwareness(update)
		}
	}
	s.lastActivity = s.manager.now()
	s.manager.metrics.AwarenessRelayed()
	return nil
}

func (s *DocumentSession) applyRevocation(ev domain.RevocationEvent) {
	m := s.manager

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ps := range s.peers {
		if ps.peer.User().ID != ev.UserID {
			continue
		}
		current := ps.peer.Level()

		switch {
		case !ev.NewLevel.CanRead():
			ps.peer.SetLevel(domain.LevelNone)
			if err := ps.peer.SendPermissionRevoked(domain.LevelNone); err != nil {
				m.logger.Debugw("Failed to queue revocation notice", "connection_id", ps.peer.ID(), "error", err)
			}
			revoked := apperrors.NewPermissionRevokedError("access revoked")
			ps.peer.Close(revoked.CloseCode(), revoked.Message)
			m.metrics.RevocationDelivered("removed")
		case ev.NewLevel.Rank() < current.Rank():
			ps.peer.SetLevel(ev.NewLevel)
			if err := ps.peer.SendPermissionRevoked(ev.NewLevel); err != nil {
				m.logger.Debugw("Failed to queue revocation notice", "connection_id", ps.peer.ID(), "error", err)
			}
			m.metrics.RevocationDelivered("downgraded")
		case ev.NewLevel.Rank() > current.Rank():
			ps.peer.SetLevel(ev.NewLevel)
			m.metrics.RevocationDelivered("upgraded")
		}
	}
}

// flush persists the session when it is dirty. Updates that another
// instance stored meanwhile are merged in and relayed to the peers.
func (s *DocumentSession) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.deleted || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.doc.Clone()
	version := s.version
	s.mu.Unlock()

	missing, err := s.manager.store.Persist(ctx, s.id, snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == version {
		s.dirty = false
	}
	s.lastPersist = s.manager.now()
	if s.deleted {
		return nil
	}
	for _, update := range missing {
		added, err := s.doc.Apply(update)
		if err != nil || !added {
			continue
		}
		for _, ps := range s.peers {
			_ = ps.peer.SendUpdate(update)
		}
	}
	return nil
}

// StateHash summarizes the current document state.
func (s *DocumentSession) StateHash() crdt.UpdateID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateHash()
}
