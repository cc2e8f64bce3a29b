// Package broadcast fans one admin message out to many users.
//
// A broadcast is created once per idempotency key as DRAFT, then sent:
// the audience is resolved, total_targets is fixed as the broadcast moves to
// SENDING, and targets are processed in chunks by a bounded worker group.
// Counters only grow, through guarded SQL increments, and the final status
// (SENT, PARTIAL_FAILED or FAILED) follows from the failed count once every
// target is processed. Deleting a broadcast mid-flight freezes its counters
// and stops the remaining chunks. A fan-out that stops early, or one whose
// process died while SENDING, is moved to FAILED with the counts it reached.
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/bus"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/repository"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidRequest = errors.New("invalid broadcast request")
	ErrInvalidState   = errors.New("broadcast is not in a state that allows this")
	errNoTargets      = errors.New("no active users to deliver to")
	errStale          = errors.New("fan-out stopped without progress; broadcast abandoned")
)

const (
	maxKeyLength   = 128
	maxTitleLength = 200
)

type Config struct {
	ChunkSize int
	Workers   int
	// UserTopic is where VOLATILE broadcasts are published.
	UserTopic string
	// StaleAfter is how long a SENDING broadcast may go without a counter
	// update before WatchStale fails it.
	StaleAfter time.Duration
}

type CreateRequest struct {
	IdempotencyKey string
	Title          string
	Body           string
	Category       models.NotificationCategory
	Data           map[string]any
	PersistPolicy  models.PersistPolicy
	TargetUserIDs  []string
	CreatedBy      *string
	ResendOfID     *string
}

type Manager struct {
	repo      repository.BroadcastRepository
	users     repository.UserRepository
	publisher bus.Publisher
	cfg       Config
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

func NewManager(repo repository.BroadcastRepository, users repository.UserRepository, publisher bus.Publisher, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Manager{
		repo:      repo,
		users:     users,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "broadcast").Logger(),
	}
}

// Create stores a DRAFT broadcast. Replaying an idempotency key returns the
// stored broadcast untouched with created=false.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (models.Broadcast, bool, error) {
	b, err := validate(req)
	if err != nil {
		return models.Broadcast{}, false, err
	}
	stored, created, err := m.repo.Create(ctx, b)
	if err != nil {
		return models.Broadcast{}, false, errors.Wrap(err, "failed to create broadcast")
	}
	if !created {
		m.logger.Info().Str("broadcast_id", stored.ID).Str("idempotency_key", stored.IdempotencyKey).Msg("idempotent replay")
	}
	return stored, created, nil
}

// Submit creates the broadcast and, when it is new, starts sending it in the
// background.
func (m *Manager) Submit(ctx context.Context, req CreateRequest) (models.Broadcast, bool, error) {
	b, created, err := m.Create(ctx, req)
	if err != nil || !created {
		return b, created, err
	}
	m.Dispatch(ctx, b.ID)
	return b, true, nil
}

// Dispatch runs Send on a tracked goroutine that outlives ctx's cancellation.
func (m *Manager) Dispatch(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Send(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("broadcast_id", id).Msg("broadcast send failed")
		}
	}()
}

// Wait blocks until every dispatched send has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Send delivers a DRAFT broadcast to its audience and returns the broadcast
// as it stands afterwards.
func (m *Manager) Send(ctx context.Context, id string) (models.Broadcast, error) {
	b, err := m.repo.Get(ctx, id)
	if err != nil {
		return models.Broadcast{}, errors.Wrap(err, "failed to load broadcast")
	}
	if b.Status != models.BroadcastDraft {
		return b, errors.Wrapf(ErrInvalidState, "broadcast %s is %s", b.ID, b.Status)
	}
	logger := m.logger.With().Str("broadcast_id", b.ID).Logger()

	targets, err := m.resolveAudience(ctx, b)
	if err == nil && len(targets) == 0 {
		err = errNoTargets
	}
	if err != nil {
		logger.Warn().Err(err).Msg("broadcast failed before fan-out")
		failed, ferr := m.repo.FailDraft(ctx, b.ID, err.Error())
		if ferr != nil {
			return b, errors.Wrap(ferr, "failed to mark broadcast failed")
		}
		return failed, nil
	}

	b, err = m.repo.BeginSending(ctx, b.ID, len(targets))
	if err != nil {
		return models.Broadcast{}, errors.Wrap(err, "failed to start sending")
	}
	logger.Info().Int("total_targets", len(targets)).Str("persist_policy", string(b.PersistPolicy)).Msg("broadcast sending")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, chunk := range chunked(targets, m.cfg.ChunkSize) {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return m.processChunk(gctx, b, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			logger.Info().Msg("broadcast changed state during fan-out, stopping")
			return m.repo.Get(ctx, b.ID)
		}
		return m.abort(context.WithoutCancel(ctx), b.ID, err)
	}

	current, err := m.repo.Get(ctx, b.ID)
	if err != nil {
		return models.Broadcast{}, errors.Wrap(err, "failed to reload broadcast")
	}
	if current.Status != models.BroadcastSending || !current.Done() {
		return current, nil
	}
	final, err := m.repo.Finalize(ctx, current.ID, models.FinalStatus(current.TotalTargets, current.FailedCount))
	if errors.Is(err, repository.ErrConflict) {
		return m.repo.Get(ctx, b.ID)
	}
	if err != nil {
		return current, errors.Wrap(err, "failed to finalize broadcast")
	}
	logger.Info().
		Str("status", string(final.Status)).
		Int("sent", final.SentCount).
		Int("failed", final.FailedCount).
		Msg("broadcast finished")
	return final, nil
}

// abort fails a SENDING broadcast whose fan-out stopped before every target
// was counted. The returned error is the cause.
func (m *Manager) abort(ctx context.Context, id string, cause error) (models.Broadcast, error) {
	m.logger.Error().Err(cause).Str("broadcast_id", id).Msg("broadcast fan-out interrupted")
	aborted, err := m.repo.Abort(ctx, id, cause.Error())
	if errors.Is(err, repository.ErrConflict) {
		return m.repo.Get(ctx, id)
	}
	if err != nil {
		return models.Broadcast{}, errors.Wrapf(err, "failed to abort broadcast after: %v", cause)
	}
	return aborted, errors.Wrap(cause, "broadcast fan-out interrupted")
}

// processChunk delivers one slice of targets and records the outcome. It
// only returns an error when the broadcast can no longer accept counts.
func (m *Manager) processChunk(ctx context.Context, b models.Broadcast, userIDs []string) error {
	if b.PersistPolicy == models.PolicyVolatile {
		return m.publishChunk(ctx, b, userIDs)
	}

	_, err := m.repo.InsertTargets(ctx, b, userIDs)
	if err == nil || errors.Is(err, repository.ErrConflict) {
		return err
	}
	if len(userIDs) > 1 {
		// The chunk rolled back as a whole; store its targets one by one so
		// only the users that cannot be stored are counted as failed.
		m.logger.Warn().Err(err).Str("broadcast_id", b.ID).Int("targets", len(userIDs)).Msg("broadcast chunk failed, storing targets individually")
		for _, userID := range userIDs {
			if err := m.processChunk(ctx, b, []string{userID}); err != nil {
				return err
			}
		}
		return nil
	}
	m.logger.Error().Err(err).Str("broadcast_id", b.ID).Str("user_id", userIDs[0]).Msg("failed to store broadcast target")
	_, cerr := m.repo.IncrementCounts(ctx, b.ID, 0, 1, err.Error())
	return cerr
}

func (m *Manager) publishChunk(ctx context.Context, b models.Broadcast, userIDs []string) error {
	var (
		sent, failed int
		lastErr      string
	)
	for _, userID := range userIDs {
		msg := models.NotificationMessage{
			Persisted: false,
			EventID:   uuid.NewString(),
			Category:  b.Category,
			Title:     b.Title,
			Body:      b.Body,
			Data:      b.Data,
		}
		data, err := msg.Map()
		if err == nil {
			err = m.publisher.Publish(ctx, m.cfg.UserTopic, bus.NewEnvelope(userID, models.FrameNotification, data))
		}
		if err != nil {
			failed++
			lastErr = err.Error()
			continue
		}
		sent++
	}
	_, err := m.repo.IncrementCounts(ctx, b.ID, sent, failed, lastErr)
	return err
}

// RecoverStale fails every SENDING broadcast whose counters have not moved
// for StaleAfter, which is what a fan-out looks like after its process died.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	ids, err := m.repo.AbortStale(ctx, time.Now().Add(-m.cfg.StaleAfter), errStale.Error())
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover stale broadcasts")
	}
	for _, id := range ids {
		m.logger.Warn().Str("broadcast_id", id).Dur("stale_after", m.cfg.StaleAfter).Msg("stale broadcast marked failed")
	}
	return len(ids), nil
}

// WatchStale runs RecoverStale immediately and then every half StaleAfter
// until ctx is cancelled.
func (m *Manager) WatchStale(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StaleAfter / 2)
	defer ticker.Stop()
	for {
		if _, err := m.RecoverStale(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("stale broadcast sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) resolveAudience(ctx context.Context, b models.Broadcast) ([]string, error) {
	if len(b.TargetUserIDs) > 0 {
		ids, err := m.users.FilterActive(ctx, b.TargetUserIDs)
		return ids, errors.Wrap(err, "failed to resolve target users")
	}
	ids, err := m.users.ListActiveIDs(ctx)
	return ids, errors.Wrap(err, "failed to list active users")
}

func (m *Manager) Get(ctx context.Context, id string) (models.Broadcast, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter models.BroadcastFilter) ([]models.Broadcast, int, error) {
	return m.repo.List(ctx, filter)
}

// Delete soft-deletes the broadcast. Notifications already delivered stay in
// their inboxes.
func (m *Manager) Delete(ctx context.Context, id string) (models.Broadcast, error) {
	b, err := m.repo.SoftDelete(ctx, id)
	if err != nil {
		return models.Broadcast{}, err
	}
	m.logger.Info().Str("broadcast_id", b.ID).Int("processed", b.Processed).Msg("broadcast deleted")
	return b, nil
}

// Resend starts a new broadcast from the template of an existing one. The
// original is left as it is.
func (m *Manager) Resend(ctx context.Context, id, idempotencyKey string, createdBy *string) (models.Broadcast, bool, error) {
	origin, err := m.repo.Get(ctx, id)
	if err != nil {
		return models.Broadcast{}, false, err
	}
	if origin.Status == models.BroadcastDeleted {
		return models.Broadcast{}, false, errors.Wrap(ErrInvalidState, "cannot resend a deleted broadcast")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = "resend:" + origin.ID + ":" + uuid.NewString()
	}
	originID := origin.ID
	return m.Submit(ctx, CreateRequest{
		IdempotencyKey: idempotencyKey,
		Title:          origin.Title,
		Body:           origin.Body,
		Category:       origin.Category,
		Data:           origin.Data,
		PersistPolicy:  origin.PersistPolicy,
		TargetUserIDs:  origin.TargetUserIDs,
		CreatedBy:      createdBy,
		ResendOfID:     &originID,
	})
}

func validate(req CreateRequest) (models.Broadcast, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	title := strings.TrimSpace(req.Title)
	switch {
	case key == "":
		return models.Broadcast{}, errors.Wrap(ErrInvalidRequest, "idempotency_key is required")
	case len(key) > maxKeyLength:
		return models.Broadcast{}, errors.Wrap(ErrInvalidRequest, "idempotency_key is too long")
	case title == "":
		return models.Broadcast{}, errors.Wrap(ErrInvalidRequest, "title is required")
	case utf8.RuneCountInString(title) > maxTitleLength:
		return models.Broadcast{}, errors.Wrap(ErrInvalidRequest, "title is too long")
	}
	category, ok := models.ParseCategory(string(req.Category))
	if !ok {
		return models.Broadcast{}, errors.Wrapf(ErrInvalidRequest, "unknown category %q", req.Category)
	}
	policy, ok := models.ParsePersistPolicy(string(req.PersistPolicy))
	if !ok {
		return models.Broadcast{}, errors.Wrapf(ErrInvalidRequest, "unknown persist_policy %q", req.PersistPolicy)
	}

	var targets []string
	seen := make(map[string]struct{}, len(req.TargetUserIDs))
	for _, id := range req.TargetUserIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	return models.Broadcast{
		IdempotencyKey: key,
		Title:          title,
		Body:           req.Body,
		Category:       category,
		Data:           data,
		PersistPolicy:  policy,
		Status:         models.BroadcastDraft,
		TargetUserIDs:  targets,
		CreatedBy:      req.CreatedBy,
		ResendOfID:     req.ResendOfID,
	}, nil
}

func chunked(ids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
