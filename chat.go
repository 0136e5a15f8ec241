package tradepost

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 10 * time.Second

	defaultPollBackoffBase = 1 * time.Second
	defaultPollBackoffMax  = 60 * time.Second

	// a snapshot fetched for a thread that was switched meanwhile is
	// discarded and fetched again, at most this many times per call
	maxStaleRefetch = 3
)

// ChatAPI is the retrieval and send boundary of product chats.
type ChatAPI interface {
	FetchMessages(ctx context.Context, productID, email, withUser string) (*ChatSnapshot, error)
	SendMessage(ctx context.Context, productID string, req SendMessageRequest) error
}

// ChatOpenOptions identifies the thread to open.
type ChatOpenOptions struct {
	ProductID   string
	Role        Role
	SelfEmail   string
	SellerEmail string // receiver for a buyer; inferred from messages when empty
	Counterpart string // initial selection for a seller
}

// ChatState is the view of the open conversation.
type ChatState struct {
	ProductID           string
	Role                Role
	SelfEmail           string
	SellerEmail         string
	Scope               ChatScope
	Participants        []ChatParticipant
	SelectedCounterpart string
	Messages            []ChatMessage
	IsFetching          bool
	Loading             bool
	Sending             bool
	Error               string
}

func (s ChatState) clone() ChatState {
	s.Participants = append([]ChatParticipant(nil), s.Participants...)
	s.Messages = append([]ChatMessage(nil), s.Messages...)
	return s
}

// RefreshOptions tunes a single Refresh.
type RefreshOptions struct {
	// Silent leaves Loading and Error untouched and swallows failures.
	Silent bool
}

// ChatOption configures a ChatSynchronizer.
type ChatOption func(*ChatSynchronizer)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) ChatOption {
	return func(s *ChatSynchronizer) { s.pollInterval = d }
}

// WithPollBackoff bounds the delay applied after consecutive silent failures.
func WithPollBackoff(base, max time.Duration) ChatOption {
	return func(s *ChatSynchronizer) { s.backoff = NewBackoff(base, max, 0) }
}

// WithChatLogger sets the synchronizer logger.
func WithChatLogger(l zerolog.Logger) ChatOption {
	return func(s *ChatSynchronizer) { s.log = l }
}

// WithChatMetrics records refresh and poll activity on m.
func WithChatMetrics(m *Metrics) ChatOption {
	return func(s *ChatSynchronizer) { s.metrics = m }
}

// ============================================================================
// ChatSynchronizer
// ============================================================================

// ChatSynchronizer keeps one product thread in sync with the backend by
// polling. Every refresh replaces the thread with the server snapshot; there
// is no local merge and no optimistic insert on send.
type ChatSynchronizer struct {
	api      ChatAPI
	store    Store
	bus      *Dispatcher
	log      zerolog.Logger
	metrics  *Metrics
	validate *validator.Validate

	pollInterval time.Duration
	backoff      *Backoff
	now          func() time.Time

	fetching atomic.Bool
	sending  atomic.Bool
	focused  atomic.Bool

	mu       sync.Mutex
	state    ChatState
	open     bool
	gen      uint64 // bumped when the thread or counterpart changes
	failures int
	retryAt  time.Time
	stopPoll context.CancelFunc

	// loudPending is set with a gen bump whose own non-silent refresh may be
	// dropped by one already in flight; that refresh's refetch runs loud.
	loudPending bool
}

// NewChatSynchronizer creates a synchronizer. Call Open to start a thread.
func NewChatSynchronizer(api ChatAPI, store Store, bus *Dispatcher, opts ...ChatOption) *ChatSynchronizer {
	s := &ChatSynchronizer{
		api:          api,
		store:        store,
		bus:          bus,
		log:          zerolog.Nop(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		validate:     newSendValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff == nil {
		s.backoff = NewBackoff(defaultPollBackoffBase, defaultPollBackoffMax, 0)
	}
	return s
}

func newSendValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Snapshot returns a deep copy of the current state.
func (s *ChatSynchronizer) Snapshot() ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Open starts a thread: cached messages are shown first, then the first
// retrieval runs with loading shown, then polling starts. Opening while
// another thread is open switches to the new one. A failed first retrieval
// is returned but the thread stays open and keeps polling.
func (s *ChatSynchronizer) Open(ctx context.Context, opts ChatOpenOptions) error {
	if opts.ProductID == "" {
		return &ValidationError{Field: "product_id", Err: errors.New("required")}
	}
	if opts.Role != RoleBuyer && opts.Role != RoleSeller {
		return &ValidationError{Field: "role", Err: fmt.Errorf("unknown role %q", opts.Role)}
	}
	if opts.SelfEmail == "" {
		return &ValidationError{Field: "email", Err: errors.New("required")}
	}

	s.stopPolling()

	s.mu.Lock()
	s.gen++
	s.loudPending = true
	s.open = true
	s.failures = 0
	s.retryAt = time.Time{}
	s.backoff.Reset()
	s.state = ChatState{
		ProductID:   opts.ProductID,
		Role:        opts.Role,
		SelfEmail:   opts.SelfEmail,
		SellerEmail: opts.SellerEmail,
	}
	if opts.Role == RoleSeller {
		s.state.SelectedCounterpart = opts.Counterpart
	}
	s.hydrateLocked()
	snap := s.state.clone()
	s.mu.Unlock()

	s.log.Info().
		Str("product_id", opts.ProductID).
		Str("role", string(opts.Role)).
		Msg("chat opened")
	s.publish(snap)

	err := s.Refresh(ctx, "", RefreshOptions{})
	s.startPolling(ctx)
	return err
}

// hydrateLocked fills the thread from the local cache, if any.
func (s *ChatSynchronizer) hydrateLocked() {
	key := chatCacheKey(s.state.ProductID, s.cacheCounterpartLocked())
	cached := loadJSON[ChatSnapshot](s.store, key, s.log)
	if len(cached.Messages) == 0 && len(cached.Participants) == 0 {
		return
	}
	s.state.Scope = cached.Scope
	s.state.Participants = cached.Participants
	s.state.Messages = cached.Messages
}

func (s *ChatSynchronizer) cacheCounterpartLocked() string {
	if s.state.Role == RoleSeller {
		return s.state.SelectedCounterpart
	}
	return s.state.SellerEmail
}

// receiverLocked resolves who a send goes to.
func (s *ChatSynchronizer) receiverLocked() string {
	if s.state.Role == RoleSeller {
		return s.state.SelectedCounterpart
	}
	return s.state.SellerEmail
}

// Refresh retrieves the thread and replaces the local state with it. A call
// made while another refresh is in flight is dropped and returns nil. hint
// scopes a seller's retrieval to one counterpart; empty means the current
// selection.
func (s *ChatSynchronizer) Refresh(ctx context.Context, hint string, opts RefreshOptions) error {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	if !s.fetching.CompareAndSwap(false, true) {
		s.metrics.chatRefreshDropped()
		s.log.Debug().Bool("silent", opts.Silent).Msg("chat refresh dropped, another is in flight")
		return nil
	}
	defer s.fetching.Store(false)

	if !opts.Silent {
		s.mu.Lock()
		s.loudPending = false
		s.mu.Unlock()
	}

	for i := 0; i < maxStaleRefetch; i++ {
		stale, err := s.refreshOnce(ctx, hint, opts)
		if !stale {
			return err
		}
		hint = ""
		s.mu.Lock()
		if s.loudPending {
			s.loudPending = false
			opts.Silent = false
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *ChatSynchronizer) refreshOnce(ctx context.Context, hint string, opts RefreshOptions) (stale bool, err error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return false, ErrNotOpen
	}
	gen := s.gen
	productID := s.state.ProductID
	self := s.state.SelfEmail
	withUser := hint
	if withUser == "" {
		withUser = s.receiverLocked()
	}
	s.state.IsFetching = true
	if !opts.Silent {
		s.state.Loading = true
		s.state.Error = ""
	}
	snap := s.state.clone()
	s.mu.Unlock()
	s.publish(snap)

	res, err := s.api.FetchMessages(ctx, productID, self, withUser)

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return false, nil
	}
	if s.gen != gen {
		s.state.IsFetching = false
		s.state.Loading = false
		s.mu.Unlock()
		s.metrics.chatRefresh("stale")
		s.log.Debug().Str("product_id", productID).Msg("discarding snapshot for a switched thread")
		return true, nil
	}
	s.state.IsFetching = false
	if !opts.Silent {
		s.state.Loading = false
	}

	if err != nil {
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			netErr = &NetworkError{Op: "fetch chat messages", Err: err}
		}
		if opts.Silent {
			delay := s.recordFailureLocked()
			snap := s.state.clone()
			s.mu.Unlock()
			s.metrics.chatRefresh("error")
			s.log.Warn().Err(err).
				Str("product_id", productID).
				Dur("retry_in", delay).
				Msg("background chat refresh failed")
			s.publish(snap)
			return false, nil
		}
		s.state.Error = netErr.Error()
		snap := s.state.clone()
		s.mu.Unlock()
		s.metrics.chatRefresh("error")
		s.log.Error().Err(err).Str("product_id", productID).Msg("chat refresh failed")
		s.publish(snap)
		return false, netErr
	}

	s.applyLocked(res, hint)
	s.failures = 0
	s.retryAt = time.Time{}
	s.backoff.Reset()
	_ = saveJSON(s.store, chatCacheKey(productID, s.cacheCounterpartLocked()), res, s.log)
	snap = s.state.clone()
	s.mu.Unlock()

	s.metrics.chatRefresh("ok")
	s.publish(snap)
	return false, nil
}

// applyLocked replaces the thread with res.
func (s *ChatSynchronizer) applyLocked(res *ChatSnapshot, hint string) {
	s.state.Scope = res.Scope
	s.state.Participants = append([]ChatParticipant(nil), res.Participants...)
	s.state.Messages = append([]ChatMessage(nil), res.Messages...)

	switch s.state.Role {
	case RoleSeller:
		if hint != "" {
			s.state.SelectedCounterpart = hint
		} else if s.state.SelectedCounterpart == "" && res.SelectedCounterpartEmail != "" {
			s.state.SelectedCounterpart = res.SelectedCounterpartEmail
		}
	case RoleBuyer:
		if s.state.SellerEmail == "" {
			s.state.SellerEmail = sellerFromMessages(res.Messages, s.state.SelfEmail)
		}
	}
}

func sellerFromMessages(msgs []ChatMessage, self string) string {
	for _, m := range msgs {
		if m.SenderRole == RoleSeller && !strings.EqualFold(m.SenderEmail, self) {
			return m.SenderEmail
		}
		if m.SenderRole == RoleBuyer && strings.EqualFold(m.SenderEmail, self) && m.ReceiverEmail != "" {
			return m.ReceiverEmail
		}
	}
	return ""
}

func (s *ChatSynchronizer) recordFailureLocked() time.Duration {
	s.failures++
	delay := s.backoff.Next()
	s.retryAt = s.now().Add(delay)
	return delay
}

// Send posts text to the resolved receiver and then reconciles with a silent
// refresh. Nothing is inserted locally before the server has it.
func (s *ChatSynchronizer) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationError{Field: "message", Err: ErrEmptyMessage}
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	productID := s.state.ProductID
	req := SendMessageRequest{
		SenderEmail:   s.state.SelfEmail,
		ReceiverEmail: s.receiverLocked(),
		Message:       text,
	}
	s.mu.Unlock()

	if req.ReceiverEmail == "" {
		return &ValidationError{Field: "receiver_email", Err: ErrNoReceiver}
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Err: fmt.Errorf("failed on %q", verrs[0].Tag())}
		}
		return &ValidationError{Err: err}
	}

	s.setSending(true)
	err := s.api.SendMessage(ctx, productID, req)
	s.setSending(false)
	if err != nil {
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			netErr = &NetworkError{Op: "send chat message", Err: err}
		}
		s.log.Error().Err(err).Str("product_id", productID).Msg("chat send failed")
		return netErr
	}

	s.log.Debug().Str("product_id", productID).Str("receiver", req.ReceiverEmail).Msg("chat message sent")
	if err := s.Refresh(ctx, "", RefreshOptions{Silent: true}); err != nil && !errors.Is(err, ErrNotOpen) {
		return err
	}
	return nil
}

func (s *ChatSynchronizer) setSending(on bool) {
	s.sending.Store(on)
	s.mu.Lock()
	s.state.Sending = on
	snap := s.state.clone()
	s.mu.Unlock()
	s.publish(snap)
}

// SelectCounterpart switches a seller's thread to email and refreshes it
// with loading shown.
func (s *ChatSynchronizer) SelectCounterpart(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.state.Role != RoleSeller {
		s.mu.Unlock()
		return ErrNotSeller
	}
	if email == "" {
		s.mu.Unlock()
		return &ValidationError{Field: "counterpart", Err: errors.New("required")}
	}
	s.gen++
	s.loudPending = true
	s.state.SelectedCounterpart = email
	s.state.Error = ""
	s.state.Messages = nil
	s.hydrateLocked()
	snap := s.state.clone()
	s.mu.Unlock()

	s.publish(snap)
	return s.Refresh(ctx, email, RefreshOptions{})
}

// SetInputFocused records whether the message input has focus; polling is
// suspended while it does.
func (s *ChatSynchronizer) SetInputFocused(focused bool) {
	s.focused.Store(focused)
}

// Close stops polling and closes the thread. It is safe to call repeatedly,
// including from an observer of the synchronizer's own events. A poll that is
// already fetching finishes in the background and its result is discarded.
func (s *ChatSynchronizer) Close() {
	s.stopPolling()
	s.mu.Lock()
	if s.open {
		s.open = false
		s.gen++
		s.log.Info().Str("product_id", s.state.ProductID).Msg("chat closed")
	}
	s.mu.Unlock()
}

// ── Polling ───────────────────────────────────────────────

func (s *ChatSynchronizer) startPolling(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		cancel()
		return
	}
	s.stopPoll = cancel
	s.mu.Unlock()

	go s.pollLoop(pollCtx)
}

// stopPolling cancels the poll loop without waiting for it: observers run on
// the poll goroutine and may call Close or Open.
func (s *ChatSynchronizer) stopPolling() {
	s.mu.Lock()
	cancel := s.stopPoll
	s.stopPoll = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *ChatSynchronizer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.pollTick(ctx)
		}
	}
}

func (s *ChatSynchronizer) pollTick(ctx context.Context) {
	if s.sending.Load() {
		s.metrics.chatPollSkipped("sending")
		return
	}
	if s.focused.Load() {
		s.metrics.chatPollSkipped("focused")
		return
	}
	s.mu.Lock()
	waiting := s.now().Before(s.retryAt)
	s.mu.Unlock()
	if waiting {
		s.metrics.chatPollSkipped("backoff")
		return
	}
	_ = s.Refresh(ctx, "", RefreshOptions{Silent: true})
}

func (s *ChatSynchronizer) publish(state ChatState) {
	s.bus.Publish(Event{Type: EventChatUpdated, Payload: state})
}
