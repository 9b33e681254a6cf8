package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/notify"
	"github.com/medvault-app/medsyncgo/internal/store"
	"gorm.io/datatypes"
)

// Engine orchestrates all synchronization: it accepts local changes, drains
// the mutation queue when connectivity allows, applies pulled remote changes
// and owns the conflict lifecycle. One background worker runs sync cycles;
// requests arriving while a cycle runs coalesce into a single follow-up.
type Engine struct {
	mu sync.RWMutex

	// Core components
	store     *store.Store
	queue     *Queue
	transport *Transport
	routes    *RouteManager
	resolver  *Resolver
	origin    string

	// Tunables
	autoSync              bool
	syncOnStartup         bool
	syncInterval          time.Duration
	maxBatchMutations     int
	maxBatchBytes         int64
	meteredBatchMutations int
	meteredBatchBytes     int64
	tombstoneRetention    time.Duration
	reminderInterval      time.Duration
	sessionKeep           int

	// State
	isRunning bool
	state     State
	lastError string
	lastSync  time.Time

	// Fields frozen by unresolved conflicts, per entity
	locks map[string]map[string]bool

	// Channels
	stopChan  chan struct{}
	syncChan  chan struct{}
	stateFeed *notify.Feed[StateUpdate]

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewEngine creates a sync engine for one device. The origin is the device
// ID; every version vector increment this engine makes uses it.
func NewEngine(st *store.Store, cfg *config.SyncConfig, origin string) *Engine {
	routes := make([]SyncRoute, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, SyncRoute{
			Name:     r.Name,
			URL:      r.URL,
			Link:     RouteLink(r.Link),
			Timeout:  r.Timeout,
			Priority: r.Priority,
		})
	}
	routeManager := NewRouteManager(routes, time.Duration(cfg.HealthCheckInterval)*time.Second)

	allowlist := make(map[string]MergeKind, len(cfg.AutoMergeAllowlist))
	for field, kind := range cfg.AutoMergeAllowlist {
		allowlist[field] = MergeKind(kind)
	}

	queue := NewQueue(st.DB(),
		time.Duration(cfg.RetryBaseDelay)*time.Second,
		time.Duration(cfg.RetryMaxDelay)*time.Second,
		cfg.MaxRetryAttempts)

	sessionKeep := cfg.SessionHistoryLimit
	if sessionKeep <= 0 {
		sessionKeep = 100
	}

	return &Engine{
		store:     st,
		queue:     queue,
		routes:    routeManager,
		transport: NewTransport(routeManager, origin, time.Duration(cfg.ExchangeTimeout)*time.Second),
		resolver:  NewResolver(origin, allowlist),
		origin:    origin,

		autoSync:              cfg.AutoSyncEnabled,
		syncOnStartup:         cfg.SyncOnStartup,
		syncInterval:          time.Duration(cfg.SyncInterval) * time.Second,
		maxBatchMutations:     cfg.MaxBatchMutations,
		maxBatchBytes:         cfg.MaxBatchBytes,
		meteredBatchMutations: cfg.MeteredBatchMutations,
		meteredBatchBytes:     cfg.MeteredBatchBytes,
		tombstoneRetention:    time.Duration(cfg.TombstoneRetentionDays) * 24 * time.Hour,
		reminderInterval:      time.Duration(cfg.ConflictReminderHours) * time.Hour,
		sessionKeep:           sessionKeep,

		state:     StateIdle,
		locks:     make(map[string]map[string]bool),
		stopChan:  make(chan struct{}),
		syncChan:  make(chan struct{}, 1),
		stateFeed: notify.NewFeed[StateUpdate](),

		baseCtx: context.Background(),
		cancel:  func() {},
	}
}

// Origin returns the device ID this engine writes as
func (e *Engine) Origin() string {
	return e.origin
}

// SetToken installs the device JWT for central store requests
func (e *Engine) SetToken(token string) {
	e.transport.SetToken(token)
}

// Start starts the sync engine
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.isRunning = true
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	log.Println("🔄 Sync engine starting...")

	// In-flight mutations from an interrupted run go back to pending
	if n, err := e.queue.RequeueInFlight(); err != nil {
		log.Printf("⚠️ Failed to requeue in-flight mutations: %v", err)
	} else if n > 0 {
		log.Printf("🔄 Requeued %d in-flight mutations from previous run", n)
	}

	if err := e.rebuildLocks(); err != nil {
		log.Printf("⚠️ Failed to rebuild conflict locks: %v", err)
	}

	e.routes.OnConnectivityRegained(func() {
		e.requestSync("connectivity regained")
	})
	e.routes.Start()

	go e.syncWorker()
	go e.autoSyncLoop()
	go e.maintenanceLoop()

	if e.syncOnStartup {
		go func() {
			time.Sleep(2 * time.Second) // Wait for initialization
			e.requestSync("startup")
		}()
	}

	log.Println("✅ Sync engine started")
	return nil
}

// Stop stops the sync engine
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	e.mu.Unlock()

	log.Println("🛑 Stopping sync engine...")
	e.cancel()
	close(e.stopChan)
	e.routes.Stop()
	e.stateFeed.Close()
	log.Println("✅ Sync engine stopped")
}

// SubmitLocalChange records a local edit and queues it for transmission.
// The record write and the queue entry commit atomically; the change is
// immediately visible to local reads whatever the connectivity.
func (e *Engine) SubmitLocalChange(entityID string, patch FieldMap) (*models.Mutation, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}

	op := models.OpUpdate
	base := NewVersionVector()
	fields := FieldMap{}

	current, err := e.store.Get(entityID)
	switch {
	case err == nil:
		snap, serr := snapshotFromRecord(current)
		if serr != nil {
			return nil, serr
		}
		base = snap.VersionVector
		fields = snap.Fields
	case errors.Is(err, store.ErrNotFound):
		op = models.OpCreate
	default:
		return nil, err
	}

	if err := ValidateMutation(op, patch); err != nil {
		return nil, err
	}
	if locked := e.lockedOverlap(entityID, patch); len(locked) > 0 {
		return nil, &LockedError{EntityID: entityID, Fields: locked}
	}

	merged := fields.Copy()
	for k, v := range patch {
		if string(v) == "null" {
			delete(merged, k)
			continue
		}
		merged[k] = append(json.RawMessage(nil), v...)
	}

	now := time.Now().UTC()
	vv := base.Copy()
	vv.Increment(e.origin)

	// An edit to a tombstoned record revives it
	rec, err := recordFromSnapshot(RecordSnapshot{
		EntityID:      entityID,
		Fields:        merged,
		VersionVector: vv,
		LastWriter:    e.origin,
		UpdatedAt:     now,
	}, now)
	if err != nil {
		return nil, err
	}

	patchRaw, err := EncodeFields(patch)
	if err != nil {
		return nil, err
	}
	mut := &models.Mutation{
		MutationID:        NewMutationID(),
		EntityID:          entityID,
		Op:                op,
		FieldPatch:        datatypes.JSON(patchRaw),
		BaseVersionVector: datatypes.JSON(base.JSON()),
		Origin:            e.origin,
		Status:            models.MutationPending,
		CreatedAt:         now,
	}

	if err := e.store.CommitLocalChange(rec, mut); err != nil {
		return nil, err
	}
	log.Printf("✅ Queued %s for %s (%d fields)", op, entityID, len(patch))
	return mut, nil
}

// SubmitDelete tombstones an entity locally and queues the delete
func (e *Engine) SubmitDelete(entityID string) (*models.Mutation, error) {
	current, err := e.store.Get(entityID)
	if err != nil {
		return nil, err
	}
	if current.Tombstone {
		return nil, fmt.Errorf("entity %s is already deleted", entityID)
	}
	// A delete touches every field, so any lock blocks it
	if locked := e.lockedFieldsFor(entityID); len(locked) > 0 {
		return nil, &LockedError{EntityID: entityID, Fields: locked}
	}

	snap, err := snapshotFromRecord(current)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	vv := snap.VersionVector.Copy()
	vv.Increment(e.origin)

	rec, err := recordFromSnapshot(RecordSnapshot{
		EntityID:      entityID,
		Fields:        snap.Fields,
		VersionVector: vv,
		LastWriter:    e.origin,
		UpdatedAt:     now,
		Tombstone:     true,
	}, now)
	if err != nil {
		return nil, err
	}

	patchRaw, err := EncodeFields(FieldMap{})
	if err != nil {
		return nil, err
	}
	mut := &models.Mutation{
		MutationID:        NewMutationID(),
		EntityID:          entityID,
		Op:                models.OpDelete,
		FieldPatch:        datatypes.JSON(patchRaw),
		BaseVersionVector: datatypes.JSON(snap.VersionVector.JSON()),
		Origin:            e.origin,
		Status:            models.MutationPending,
		CreatedAt:         now,
	}

	if err := e.store.CommitLocalChange(rec, mut); err != nil {
		return nil, err
	}
	log.Printf("✅ Queued delete for %s", entityID)
	return mut, nil
}

// ForceSync requests an immediate sync cycle, ignoring the interval timer
func (e *Engine) ForceSync() error {
	e.mu.RLock()
	running := e.isRunning
	state := e.state
	e.mu.RUnlock()

	if !running {
		return fmt.Errorf("sync engine is not running")
	}
	if state == StateFailed {
		return fmt.Errorf("sync paused: %w", ErrAuthentication)
	}
	e.requestSync("force sync")
	return nil
}

// requestSync nudges the worker. The channel holds one slot, so bursts of
// requests collapse into a single extra cycle.
func (e *Engine) requestSync(reason string) {
	select {
	case e.syncChan <- struct{}{}:
		log.Printf("🔄 Sync requested (%s)", reason)
	default:
		// A request is already queued and will cover this one
	}
}

// SubscribeState returns the observable sync-state sequence. The current
// state arrives first, then every transition. Cancel the context to stop; a
// fresh subscription starts over from the then-current state.
func (e *Engine) SubscribeState(ctx context.Context) <-chan StateUpdate {
	src := e.stateFeed.Subscribe(ctx)
	out := make(chan StateUpdate, 16)
	out <- e.CurrentState()
	go func() {
		defer close(out)
		for upd := range src {
			select {
			case out <- upd:
			default:
				// Slow consumer; drop rather than stall the engine
			}
		}
	}()
	return out
}

// CurrentState reports the engine's externally observable state
func (e *Engine) CurrentState() StateUpdate {
	pending, _ := e.queue.PendingCount()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return StateUpdate{
		State:        e.state,
		PendingCount: pending,
		LastError:    e.lastError,
		At:           time.Now().UTC(),
	}
}

// ListConflicts returns conflicts, optionally only the unresolved ones
func (e *Engine) ListConflicts(unresolvedOnly bool) ([]models.ConflictRecord, error) {
	return e.store.ListConflicts(unresolvedOnly)
}

// ResolveConflict applies a decision to an unresolved conflict. The resolved
// record, its propagation mutation and the conflict update commit together;
// afterwards the entity's fields unlock and any parked mutations for it are
// superseded. Deferring re-arms the reminder and keeps the locks.
func (e *Engine) ResolveConflict(conflictID string, choice models.ResolutionChoice, mergedFields FieldMap) error {
	conflict, err := e.store.GetConflict(conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConflictUnknown
	}
	if err != nil {
		return err
	}
	if conflict.ResolutionState != models.ResolutionUnresolved {
		return fmt.Errorf("conflict %s is already %s: %w", conflictID, conflict.ResolutionState, ErrConflictResolved)
	}

	now := time.Now().UTC()

	if choice == models.ChoiceDeferred {
		remind := now.Add(e.reminderInterval)
		conflict.RemindAt = &remind
		if err := e.store.SaveConflict(conflict); err != nil {
			return err
		}
		log.Printf("⏳ Conflict %s deferred until %s", conflictID, remind.Format(time.RFC3339))
		return nil
	}

	var local, remote RecordSnapshot
	if err := json.Unmarshal(conflict.LocalSnapshot, &local); err != nil {
		return fmt.Errorf("failed to decode local snapshot: %w", err)
	}
	if err := json.Unmarshal(conflict.RemoteSnapshot, &remote); err != nil {
		return fmt.Errorf("failed to decode remote snapshot: %w", err)
	}
	var diffs []FieldDiff
	if err := json.Unmarshal(conflict.FieldDiffs, &diffs); err != nil {
		return fmt.Errorf("failed to decode field diffs: %w", err)
	}

	// The decision settles only the differing fields. It lands on the record
	// as it stands now, not the snapshot frozen at detection: non-conflicting
	// fields stay editable while a conflict is open, and those edits must
	// survive the resolution.
	current, err := e.localSnapshot(conflict.EntityID)
	if err != nil {
		return err
	}

	resolved, err := e.resolver.BuildResolution(current, local, remote, diffs, choice, mergedFields)
	if err != nil {
		return err
	}

	base := current.VersionVector.Copy()
	base.Merge(local.VersionVector)
	base.Merge(remote.VersionVector)

	op := models.OpUpdate
	patch := PropagationPatch(resolved, diffs)
	if resolved.Tombstone {
		op = models.OpDelete
		patch = FieldMap{}
	}
	patchRaw, err := EncodeFields(patch)
	if err != nil {
		return err
	}
	mut := &models.Mutation{
		MutationID:        NewMutationID(),
		EntityID:          conflict.EntityID,
		Op:                op,
		FieldPatch:        datatypes.JSON(patchRaw),
		BaseVersionVector: datatypes.JSON(base.JSON()),
		Origin:            e.origin,
		Status:            models.MutationPending,
		CreatedAt:         now,
	}

	conflict.ResolutionState = models.ResolutionUserResolved
	conflict.ResolutionChoice = choice
	conflict.ResolvedAt = &now
	conflict.RemindAt = nil

	rec, err := recordFromSnapshot(resolved, now)
	if err != nil {
		return err
	}
	if err := e.store.CommitResolution(rec, mut, conflict); err != nil {
		return err
	}
	// The resolution mutation supersedes anything parked for this entity
	if err := e.queue.DiscardConflicted(conflict.EntityID); err != nil {
		log.Printf("⚠️ Failed to discard parked mutations for %s: %v", conflict.EntityID, err)
	}
	e.unlockEntity(conflict.EntityID)

	log.Printf("✅ Conflict %s on %s resolved (%s)", conflictID, conflict.EntityID, choice)
	return nil
}

// ListFailedMutations returns mutations whose retry budget ran out
func (e *Engine) ListFailedMutations() ([]models.Mutation, error) {
	return e.queue.ListFailed()
}

// ListSessions returns recent sync session diagnostics
func (e *Engine) ListSessions(limit int) ([]models.SyncSession, error) {
	return e.store.ListSessions(limit)
}

// AddRoute registers a sync route while the engine is running, as when the
// device pairs after the daemon has started.
func (e *Engine) AddRoute(route SyncRoute) {
	e.routes.AddRoute(route)
	e.requestSync("route added")
}

// Reauthenticate installs a fresh token and, if sync was paused on an
// authentication failure, resumes it.
func (e *Engine) Reauthenticate(token string) {
	e.transport.SetToken(token)

	e.mu.RLock()
	wasFailed := e.state == StateFailed
	e.mu.RUnlock()

	if wasFailed {
		e.setState(StateIdle, "")
		e.requestSync("reauthenticated")
	}
}

// Status returns the current sync status
func (e *Engine) Status() map[string]interface{} {
	pending, _ := e.queue.PendingCount()
	conflicts, _ := e.store.ListConflicts(true)
	connectivity, currentRoute := e.routes.Current()

	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]interface{}{
		"is_running":           e.isRunning,
		"state":                e.state,
		"pending_mutations":    pending,
		"unresolved_conflicts": len(conflicts),
		"last_sync":            e.lastSync,
		"last_error":           e.lastError,
		"connectivity":         connectivity,
		"current_route":        currentRoute,
		"routes":               e.routes.Statuses(),
	}
}

// syncWorker processes coalesced sync requests
func (e *Engine) syncWorker() {
	for {
		select {
		case <-e.syncChan:
			e.runSyncCycle()
		case <-e.stopChan:
			return
		}
	}
}

// autoSyncLoop periodically triggers synchronization
func (e *Engine) autoSyncLoop() {
	if !e.autoSync || e.syncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.requestSync("interval")
		case <-e.stopChan:
			return
		}
	}
}

// maintenanceLoop purges expired tombstones and re-surfaces stale conflicts
func (e *Engine) maintenanceLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runMaintenance(time.Now().UTC())
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) runMaintenance(now time.Time) {
	cutoff := now.Add(-e.tombstoneRetention)
	if n, err := e.store.PurgeTombstones(cutoff); err != nil {
		log.Printf("⚠️ Tombstone purge failed: %v", err)
	} else if n > 0 {
		log.Printf("✅ Purged %d expired tombstones", n)
	}

	conflicts, err := e.store.ListConflicts(true)
	if err != nil {
		return
	}
	for i := range conflicts {
		c := &conflicts[i]
		if c.RemindAt == nil || c.RemindAt.After(now) {
			continue
		}
		log.Printf("⚠️ Conflict %s on %s still unresolved", c.ConflictID, c.EntityID)
		remind := now.Add(e.reminderInterval)
		c.RemindAt = &remind
		if err := e.store.SaveConflict(c); err != nil {
			log.Printf("⚠️ Failed to update conflict reminder: %v", err)
		}
	}
}

// runSyncCycle performs one probe, push, pull round trip
func (e *Engine) runSyncCycle() {
	e.mu.RLock()
	paused := e.state == StateFailed
	ctx := e.baseCtx
	e.mu.RUnlock()
	if paused {
		log.Println("⚠️ Sync paused: authentication required")
		return
	}

	start := time.Now().UTC()
	sess := &models.SyncSession{
		SessionID: uuid.New().String(),
		StartedAt: start,
	}

	e.setState(StateProbing, "")
	connectivity, route := e.transport.ProbeConnectivity()
	sess.Connectivity = string(connectivity)
	if connectivity == ConnectivityOffline {
		log.Println("⚠️ Offline; skipping sync cycle")
		e.finishSession(sess, models.SessionFailed, "offline", start)
		e.setState(StateIdle, "")
		return
	}
	log.Printf("🔄 Sync cycle starting via %s (%s)", route.Name, connectivity)

	pushErr := e.pushCycle(ctx, sess, connectivity)
	if pushErr != nil && errors.Is(pushErr, ErrAuthentication) {
		e.failCycle(sess, pushErr, start)
		return
	}

	if sess.ConflictsFound > 0 {
		e.setState(StateAwaitingResolution, "")
	}

	pullErr := e.pullCycle(ctx, sess)
	if pullErr != nil && errors.Is(pullErr, ErrAuthentication) {
		e.failCycle(sess, pullErr, start)
		return
	}

	outcome := models.SessionSuccess
	detail := ""
	if err := firstError(pushErr, pullErr); err != nil {
		detail = err.Error()
		if sess.MutationsPushed > 0 || sess.RecordsPulled > 0 {
			outcome = models.SessionPartial
		} else {
			outcome = models.SessionFailed
		}
	}
	e.finishSession(sess, outcome, detail, start)

	e.mu.Lock()
	e.lastSync = time.Now().UTC()
	e.mu.Unlock()

	e.setState(StateIdle, detail)
	log.Printf("✅ Sync cycle finished in %v: %d pushed, %d pulled, %d conflicts (%s)",
		time.Since(start).Round(time.Millisecond), sess.MutationsPushed, sess.RecordsPulled, sess.ConflictsFound, outcome)
}

// failCycle halts sync on an authentication failure
func (e *Engine) failCycle(sess *models.SyncSession, err error, start time.Time) {
	e.finishSession(sess, models.SessionFailed, err.Error(), start)
	e.setState(StateFailed, err.Error())
	log.Printf("🔴 Sync halted, authentication required: %v", err)
}

func (e *Engine) finishSession(sess *models.SyncSession, outcome models.SessionOutcome, detail string, start time.Time) {
	completed := time.Now().UTC()
	sess.CompletedAt = &completed
	sess.DurationMs = completed.Sub(start).Milliseconds()
	sess.Outcome = outcome
	sess.ErrorDetail = detail
	if err := e.store.SaveSession(sess, e.sessionKeep); err != nil {
		log.Printf("⚠️ Failed to save sync session: %v", err)
	}
}

// pushCycle drains the queue in batches until nothing eligible remains
func (e *Engine) pushCycle(ctx context.Context, sess *models.SyncSession, connectivity Connectivity) error {
	maxItems := e.maxBatchMutations
	maxBytes := e.maxBatchBytes
	if connectivity == ConnectivityMetered {
		maxItems = e.meteredBatchMutations
		maxBytes = e.meteredBatchBytes
	}

	for {
		batch, err := e.queue.DequeueBatch(maxItems, maxBytes, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		e.setState(StatePushing, "")

		wire := make([]WireMutation, 0, len(batch))
		byID := make(map[string]models.Mutation, len(batch))
		for _, m := range batch {
			wm, werr := wireMutation(m)
			if werr != nil {
				log.Printf("🔴 Mutation %s is malformed: %v", m.MutationID, werr)
				e.markFailure(m.MutationID, werr.Error())
				continue
			}
			wire = append(wire, wm)
			byID[m.MutationID] = m
		}
		if len(wire) == 0 {
			continue
		}

		resp, stats, err := e.transport.Exchange(ctx, wire)
		if stats != nil {
			sess.BytesSent += stats.BytesSent
			sess.BytesReceived += stats.BytesReceived
		}
		if err != nil {
			if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrOffline) || errors.Is(err, ErrExchangeInFlight) {
				// Not the batch's fault; put it back as it was
				if _, rerr := e.queue.RequeueInFlight(); rerr != nil {
					log.Printf("⚠️ Failed to requeue in-flight mutations: %v", rerr)
				}
				return err
			}
			// A dead exchange fails the whole batch, never part of it
			for id := range byID {
				e.markFailure(id, err.Error())
			}
			return err
		}

		handled := make(map[string]bool, len(wire))
		for _, id := range resp.Accepted {
			if _, ok := byID[id]; !ok {
				continue
			}
			if aerr := e.queue.MarkAcked(id); aerr != nil {
				log.Printf("⚠️ Failed to ack mutation %s: %v", id, aerr)
				continue
			}
			handled[id] = true
			sess.MutationsPushed++
		}
		for _, rej := range resp.Rejected {
			m, ok := byID[rej.MutationID]
			if !ok {
				continue
			}
			handled[rej.MutationID] = true
			if herr := e.handleRejection(m, rej.Current, sess); herr != nil {
				log.Printf("⚠️ Failed to process rejection for %s: %v", rej.MutationID, herr)
				e.markFailure(m.MutationID, herr.Error())
			}
		}
		for id := range byID {
			if !handled[id] {
				e.markFailure(id, "not acknowledged by server")
			}
		}
	}
}

// handleRejection runs conflict detection for one refused mutation against
// the remote's current snapshot.
func (e *Engine) handleRejection(mut models.Mutation, remote RecordSnapshot, sess *models.SyncSession) error {
	localSnap, err := e.localSnapshot(mut.EntityID)
	if err != nil {
		return err
	}

	res := Classify(localSnap, remote)
	switch res.Outcome {
	case ClassObsoleteLocal:
		if err := e.adoptRemote(remote); err != nil {
			return err
		}
		if err := e.queue.Discard(mut.MutationID); err != nil {
			return err
		}
		log.Printf("⏭️ Local change to %s superseded by remote; adopted remote copy", mut.EntityID)

	case ClassNoOp:
		if err := e.bumpVector(localSnap, res.MergedVector); err != nil {
			return err
		}
		if err := e.queue.Discard(mut.MutationID); err != nil {
			return err
		}

	case ClassTrueConflict:
		sess.ConflictsFound++
		if merged, ok := e.resolver.TryAutoMerge(localSnap, remote, res.Diffs); ok {
			if err := e.commitAutoResolution(localSnap, remote, res.Diffs, merged); err != nil {
				return err
			}
			return e.queue.Discard(mut.MutationID)
		}
		if err := e.recordConflict(localSnap, remote, res.Diffs); err != nil {
			return err
		}
		if err := e.queue.MarkConflicted(mut.MutationID); err != nil {
			return err
		}
		log.Printf("⚠️ Conflict detected on %s (%s)", mut.EntityID, strings.Join(DifferingFields(res.Diffs), ", "))
	}
	return nil
}

// pullCycle pages remote changes since the stored checkpoint and applies
// them through the conflict detector.
func (e *Engine) pullCycle(ctx context.Context, sess *models.SyncSession) error {
	e.setState(StatePulling, "")

	checkpoint, err := e.store.Checkpoint()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	for {
		resp, stats, err := e.transport.Pull(ctx, checkpoint)
		if stats != nil {
			sess.BytesReceived += stats.BytesReceived
		}
		if err != nil {
			return err
		}
		if len(resp.Records) == 0 {
			return nil
		}

		for _, remote := range resp.Records {
			if aerr := e.applyRemote(remote, sess); aerr != nil {
				// Stop before the checkpoint advances past this record
				return fmt.Errorf("failed to apply remote record %s: %w", remote.EntityID, aerr)
			}
			sess.RecordsPulled++
		}

		if resp.NextCheckpoint == "" || resp.NextCheckpoint == checkpoint {
			return nil
		}
		checkpoint = resp.NextCheckpoint
		if serr := e.store.SaveCheckpoint(checkpoint); serr != nil {
			return fmt.Errorf("failed to save checkpoint: %w", serr)
		}
	}
}

// applyRemote merges one pulled record into the local store
func (e *Engine) applyRemote(remote RecordSnapshot, sess *models.SyncSession) error {
	rec, err := e.store.Get(remote.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return e.adoptRemote(remote)
	}
	if err != nil {
		return err
	}

	localSnap, err := snapshotFromRecord(rec)
	if err != nil {
		return err
	}

	res := Classify(localSnap, remote)
	switch res.Outcome {
	case ClassObsoleteLocal:
		return e.adoptRemote(remote)
	case ClassNoOp:
		return e.bumpVector(localSnap, res.MergedVector)
	case ClassTrueConflict:
		sess.ConflictsFound++
		if merged, ok := e.resolver.TryAutoMerge(localSnap, remote, res.Diffs); ok {
			return e.commitAutoResolution(localSnap, remote, res.Diffs, merged)
		}
		if err := e.recordConflict(localSnap, remote, res.Diffs); err != nil {
			return err
		}
		log.Printf("⚠️ Conflict detected on %s (%s)", remote.EntityID, strings.Join(DifferingFields(res.Diffs), ", "))
	}
	return nil
}

// commitAutoResolution commits an allowlist merge: the merged record, an
// audit conflict entry marked auto_resolved, and the mutation that carries
// the merge back to the central store, all in one transaction.
func (e *Engine) commitAutoResolution(local, remote RecordSnapshot, diffs []FieldDiff, merged RecordSnapshot) error {
	now := time.Now().UTC()

	base := local.VersionVector.Copy()
	base.Merge(remote.VersionVector)

	patch := PropagationPatch(merged, diffs)
	patchRaw, err := EncodeFields(patch)
	if err != nil {
		return err
	}
	mut := &models.Mutation{
		MutationID:        NewMutationID(),
		EntityID:          merged.EntityID,
		Op:                models.OpUpdate,
		FieldPatch:        datatypes.JSON(patchRaw),
		BaseVersionVector: datatypes.JSON(base.JSON()),
		Origin:            e.origin,
		Status:            models.MutationPending,
		CreatedAt:         now,
	}

	localJSON, err := json.Marshal(local)
	if err != nil {
		return err
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return err
	}
	diffJSON, err := json.Marshal(diffs)
	if err != nil {
		return err
	}
	conflict := &models.ConflictRecord{
		ConflictID:       uuid.New().String(),
		EntityID:         merged.EntityID,
		LocalSnapshot:    datatypes.JSON(localJSON),
		RemoteSnapshot:   datatypes.JSON(remoteJSON),
		FieldDiffs:       datatypes.JSON(diffJSON),
		ResolutionState:  models.ResolutionAutoResolved,
		ResolutionChoice: models.ChoiceMerged,
		ResolvedAt:       &now,
		CreatedAt:        now,
	}

	rec, err := recordFromSnapshot(merged, now)
	if err != nil {
		return err
	}
	if err := e.store.CommitResolution(rec, mut, conflict); err != nil {
		return err
	}
	if err := e.queue.DiscardConflicted(merged.EntityID); err != nil {
		log.Printf("⚠️ Failed to discard parked mutations for %s: %v", merged.EntityID, err)
	}
	log.Printf("✅ Auto-merged conflict on %s (%s)", merged.EntityID, strings.Join(DifferingFields(diffs), ", "))
	return nil
}

// recordConflict stores or refreshes the unresolved conflict for an entity
// and freezes the differing fields.
func (e *Engine) recordConflict(local, remote RecordSnapshot, diffs []FieldDiff) error {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return err
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return err
	}
	diffJSON, err := json.Marshal(diffs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	remind := now.Add(e.reminderInterval)

	conflict := e.findUnresolved(local.EntityID)
	if conflict == nil {
		conflict = &models.ConflictRecord{
			ConflictID:      uuid.New().String(),
			EntityID:        local.EntityID,
			ResolutionState: models.ResolutionUnresolved,
			CreatedAt:       now,
		}
	}
	conflict.LocalSnapshot = datatypes.JSON(localJSON)
	conflict.RemoteSnapshot = datatypes.JSON(remoteJSON)
	conflict.FieldDiffs = datatypes.JSON(diffJSON)
	conflict.RemindAt = &remind

	if err := e.store.SaveConflict(conflict); err != nil {
		return err
	}
	e.lockFields(local.EntityID, DifferingFields(diffs))
	return nil
}

func (e *Engine) findUnresolved(entityID string) *models.ConflictRecord {
	conflicts, err := e.store.UnresolvedConflicts()
	if err != nil {
		return nil
	}
	for i := range conflicts {
		if conflicts[i].EntityID == entityID {
			return &conflicts[i]
		}
	}
	return nil
}

// markFailure counts a failed attempt and logs when the budget runs out
func (e *Engine) markFailure(mutationID, reason string) {
	status, err := e.queue.MarkFailed(mutationID, reason, time.Now().UTC())
	if err != nil {
		log.Printf("⚠️ Failed to record failure for mutation %s: %v", mutationID, err)
		return
	}
	if status == models.MutationFailed {
		log.Printf("🔴 Mutation %s exhausted its retry budget: %s", mutationID, reason)
	}
}

// localSnapshot loads the current local record as a snapshot; a missing
// record yields an empty snapshot with an empty vector.
func (e *Engine) localSnapshot(entityID string) (RecordSnapshot, error) {
	rec, err := e.store.Get(entityID)
	if errors.Is(err, store.ErrNotFound) {
		return RecordSnapshot{EntityID: entityID, Fields: FieldMap{}, VersionVector: NewVersionVector()}, nil
	}
	if err != nil {
		return RecordSnapshot{}, err
	}
	return snapshotFromRecord(rec)
}

// adoptRemote overwrites the local record with the remote snapshot
func (e *Engine) adoptRemote(remote RecordSnapshot) error {
	rec, err := recordFromSnapshot(remote, time.Now().UTC())
	if err != nil {
		return err
	}
	return e.store.Put(rec)
}

// bumpVector advances the local vector to the merged one without changing
// field values.
func (e *Engine) bumpVector(local RecordSnapshot, merged VersionVector) error {
	if merged == nil || local.VersionVector.Compare(merged) == VectorEqual {
		return nil
	}
	local.VersionVector = merged
	rec, err := recordFromSnapshot(local, time.Now().UTC())
	if err != nil {
		return err
	}
	return e.store.Put(rec)
}

// setState records a state transition and publishes it to subscribers
func (e *Engine) setState(s State, lastError string) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.lastError = lastError
	e.mu.Unlock()

	if prev != s {
		log.Printf("🔄 Sync state: %s -> %s", prev, s)
	}
	e.stateFeed.Publish(e.CurrentState())
}

// rebuildLocks restores per-entity field locks from unresolved conflicts
func (e *Engine) rebuildLocks() error {
	conflicts, err := e.store.UnresolvedConflicts()
	if err != nil {
		return err
	}
	for i := range conflicts {
		var diffs []FieldDiff
		if err := json.Unmarshal(conflicts[i].FieldDiffs, &diffs); err != nil {
			continue
		}
		e.lockFields(conflicts[i].EntityID, DifferingFields(diffs))
	}
	return nil
}

func (e *Engine) lockFields(entityID string, fields []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.locks[entityID]
	if set == nil {
		set = make(map[string]bool)
		e.locks[entityID] = set
	}
	for _, f := range fields {
		set[f] = true
	}
}

func (e *Engine) unlockEntity(entityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, entityID)
}

// lockedOverlap returns the patch fields currently frozen by a conflict
func (e *Engine) lockedOverlap(entityID string, patch FieldMap) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.locks[entityID]
	if len(set) == 0 {
		return nil
	}
	overlap := make([]string, 0)
	for f := range patch {
		if set[f] {
			overlap = append(overlap, f)
		}
	}
	sort.Strings(overlap)
	return overlap
}

func (e *Engine) lockedFieldsFor(entityID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.locks[entityID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// wireMutation converts a queued mutation to its wire form
func wireMutation(m models.Mutation) (WireMutation, error) {
	patch, err := DecodeFields(m.FieldPatch)
	if err != nil {
		return WireMutation{}, fmt.Errorf("bad field patch: %w", err)
	}
	base, err := ParseVersionVector(m.BaseVersionVector)
	if err != nil {
		return WireMutation{}, fmt.Errorf("bad base vector: %w", err)
	}
	return WireMutation{
		MutationID:    m.MutationID,
		EntityID:      m.EntityID,
		Op:            string(m.Op),
		Fields:        patch,
		VersionVector: base,
		Origin:        m.Origin,
		Tombstone:     m.Op == models.OpDelete,
	}, nil
}

// snapshotFromRecord decodes a stored record into its snapshot form
func snapshotFromRecord(rec *models.HealthRecord) (RecordSnapshot, error) {
	fields, err := DecodeFields(rec.Fields)
	if err != nil {
		return RecordSnapshot{}, fmt.Errorf("bad fields for %s: %w", rec.EntityID, err)
	}
	vv, err := ParseVersionVector(rec.VersionVector)
	if err != nil {
		return RecordSnapshot{}, fmt.Errorf("bad version vector for %s: %w", rec.EntityID, err)
	}
	return RecordSnapshot{
		EntityID:      rec.EntityID,
		Fields:        fields,
		VersionVector: vv,
		LastWriter:    rec.LastWriter,
		UpdatedAt:     rec.UpdatedAt,
		Tombstone:     rec.Tombstone,
	}, nil
}

// recordFromSnapshot encodes a snapshot for storage. A tombstoned snapshot
// gets its retention clock stamped with the local time.
func recordFromSnapshot(snap RecordSnapshot, now time.Time) (*models.HealthRecord, error) {
	fields, err := EncodeFields(snap.Fields)
	if err != nil {
		return nil, err
	}
	rec := &models.HealthRecord{
		EntityID:      snap.EntityID,
		Fields:        datatypes.JSON(fields),
		VersionVector: datatypes.JSON(snap.VersionVector.JSON()),
		LastWriter:    snap.LastWriter,
		UpdatedAt:     snap.UpdatedAt,
		Tombstone:     snap.Tombstone,
	}
	if snap.Tombstone {
		t := now
		rec.TombstonedAt = &t
	}
	return rec, nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
