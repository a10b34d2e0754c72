package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// Transaction states, as logged.
const (
	StateBuilding     = "building"
	StateSigned       = "signed"
	StateSubmitted    = "submitted"
	StateConfirmedOK  = "confirmed_ok"
	StateConfirmedErr = "confirmed_err"
	StateTimedOut     = "timed_out"
	StateFailed       = "failed"
)

const (
	observerPoll         = "poll"
	observerSubscription = "subscription"
)

// Options bound the confirmation race.
type Options struct {
	PollInterval   time.Duration
	ResendInterval time.Duration
	MaxResends     int
	Timeout        time.Duration
}

// DefaultOptions polls every second, resends every 5s at most twice and
// gives up after 15s.
func DefaultOptions() Options {
	return Options{
		PollInterval:   time.Second,
		ResendInterval: 5 * time.Second,
		MaxResends:     2,
		Timeout:        15 * time.Second,
	}
}

// BlockhashProvider returns the block reference to stamp transactions with.
type BlockhashProvider interface {
	Get(ctx context.Context) (solana.Hash, error)
}

// Metrics receives the outcome of every Send.
type Metrics interface {
	ObserveTransaction(label, state string, resends int, d time.Duration)
}

// Pending is one submitted transaction awaiting confirmation.
type Pending struct {
	Raw              []byte
	Signature        solana.Signature
	FirstSubmittedAt time.Time
	Resends          int
}

type sendConfig struct {
	timeout time.Duration
	onError func(error)
	label   string
}

// SendOption adjusts a single Send.
type SendOption func(*sendConfig)

// WithTimeout overrides the confirmation timeout.
func WithTimeout(d time.Duration) SendOption {
	return func(c *sendConfig) { c.timeout = d }
}

// WithErrorCallback registers fn to be called once if Send fails.
func WithErrorCallback(fn func(error)) SendOption {
	return func(c *sendConfig) { c.onError = fn }
}

// WithLabel names the transaction in logs, metrics and the journal.
func WithLabel(label string) SendOption {
	return func(c *sendConfig) { c.label = label }
}

// Engine signs, submits and confirms transactions. Confirmation races a
// signature subscription against status polling; the raw bytes are
// resent periodically while neither has resolved.
type Engine struct {
	sender     domain.TransactionSender
	subscriber domain.SignatureSubscriber
	blockhash  BlockhashProvider
	journal    domain.SubmissionJournal
	metrics    Metrics
	opts       Options
	logger     *slog.Logger
}

// NewEngine creates an engine. subscriber, journal and metrics may be nil.
func NewEngine(sender domain.TransactionSender, subscriber domain.SignatureSubscriber, blockhash BlockhashProvider,
	opts Options, journal domain.SubmissionJournal, metrics Metrics) *Engine {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = def.ResendInterval
	}
	if opts.MaxResends < 0 {
		opts.MaxResends = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Engine{
		sender:     sender,
		subscriber: subscriber,
		blockhash:  blockhash,
		journal:    journal,
		metrics:    metrics,
		opts:       opts,
		logger:     slog.Default().With("module", "engine"),
	}
}

// Send builds a transaction from instructions, signs it with signers (the
// fee payer first) and waits for it to be confirmed. It returns the
// signature, a *domain.TimeoutError, a *domain.TransactionRejectedError or
// the submission error.
func (e *Engine) Send(ctx context.Context, feePayer solana.PublicKey, instructions []solana.Instruction,
	signers []solana.Keypair, opts ...SendOption) (solana.Signature, error) {
	cfg := sendConfig{timeout: e.opts.Timeout, label: "transaction"}
	for _, opt := range opts {
		opt(&cfg)
	}
	start := time.Now()
	log := e.logger.With("label", cfg.label)

	pending, err := e.buildAndSubmit(ctx, log, feePayer, instructions, signers)
	if err != nil {
		log.Warn("Transaction not submitted", "state", StateFailed, slog.Any("error", err))
		e.observe(cfg.label, StateFailed, 0, start)
		if cfg.onError != nil {
			cfg.onError(err)
		}
		return solana.Signature{}, err
	}
	e.record(pending, cfg.label, domain.SubmissionSubmitted, "", nil)

	observer, err := e.confirm(ctx, log, pending, cfg.timeout)
	state := e.finish(log, pending, cfg.label, observer, err)
	e.observe(cfg.label, state, pending.Resends, start)
	if err != nil {
		if cfg.onError != nil {
			cfg.onError(err)
		}
		return pending.Signature, err
	}
	return pending.Signature, nil
}

func (e *Engine) buildAndSubmit(ctx context.Context, log *slog.Logger, feePayer solana.PublicKey,
	instructions []solana.Instruction, signers []solana.Keypair) (*Pending, error) {
	log.Debug("Transaction state", "state", StateBuilding, "instructions", len(instructions))
	hash, err := e.blockhash.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent blockhash: %w", err)
	}
	tx := solana.Transaction{FeePayer: feePayer, RecentBlockhash: hash, Instructions: instructions}
	raw, sig, err := tx.Sign(signers...)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	log.Debug("Transaction state", "state", StateSigned, "signature", sig.String())

	returned, err := e.sender.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}
	if returned != sig {
		log.Warn("Node returned a different signature", "signature", sig.String(), "returned", returned.String())
	}
	log.Info("Transaction state", "state", StateSubmitted, "signature", sig.String())
	return &Pending{Raw: raw, Signature: sig, FirstSubmittedAt: time.Now()}, nil
}

type outcome struct {
	status   domain.SignatureStatus
	observer string
}

// confirm runs the observers until one resolves or timeout elapses. Only
// the first outcome is consumed; the channel is buffered so the loser's
// send never blocks.
func (e *Engine) confirm(ctx context.Context, log *slog.Logger, p *Pending, timeout time.Duration) (string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, 2)
	go e.poll(raceCtx, log, p.Signature, results)
	if e.subscriber != nil {
		go e.subscribe(raceCtx, log, p.Signature, results)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	resend := time.NewTicker(e.opts.ResendInterval)
	defer resend.Stop()
	resendC := resend.C
	if e.opts.MaxResends == 0 {
		resendC = nil
	}

	for {
		select {
		case r := <-results:
			if r.status.State == domain.SignatureFailed {
				return r.observer, &domain.TransactionRejectedError{Signature: p.Signature.String(), Reason: r.status.Err}
			}
			return r.observer, nil
		case <-resendC:
			p.Resends++
			if _, err := e.sender.SendRawTransaction(raceCtx, p.Raw); err != nil {
				log.Warn("Resend failed", "signature", p.Signature.String(), "resend", p.Resends, slog.Any("error", err))
			} else {
				log.Info("Transaction resent", "signature", p.Signature.String(), "resend", p.Resends)
			}
			if p.Resends >= e.opts.MaxResends {
				resendC = nil
			}
		case <-deadline.C:
			return "", &domain.TimeoutError{Signature: p.Signature.String(), After: timeout}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// poll asks for the signature status every PollInterval. Transport
// errors are logged and polling continues.
func (e *Engine) poll(ctx context.Context, log *slog.Logger, sig solana.Signature, results chan<- outcome) {
	defer e.recoverObserver(log, observerPoll)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := e.sender.GetSignatureStatus(ctx, sig)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("Status poll failed", "signature", sig.String(), slog.Any("error", err))
			}
			continue
		}
		if status.State == domain.SignaturePending {
			continue
		}
		results <- outcome{status: status, observer: observerPoll}
		return
	}
}

// subscribe waits for the signature notification. A failed subscription
// leaves the decision to the poller.
func (e *Engine) subscribe(ctx context.Context, log *slog.Logger, sig solana.Signature, results chan<- outcome) {
	defer e.recoverObserver(log, observerSubscription)
	ch, unsubscribe, err := e.subscriber.SubscribeSignature(ctx, sig)
	if err != nil {
		log.Warn("Signature subscription failed, relying on polling", "signature", sig.String(), slog.Any("error", err))
		return
	}
	defer unsubscribe()
	select {
	case <-ctx.Done():
	case status, ok := <-ch:
		if ok && status.State != domain.SignaturePending {
			results <- outcome{status: status, observer: observerSubscription}
		}
	}
}

func (e *Engine) recoverObserver(log *slog.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("Confirmation observer panic recovered", "observer", name, slog.Any("panic", r))
	}
}

// finish logs the terminal state and journals it.
func (e *Engine) finish(log *slog.Logger, p *Pending, label, observer string, err error) string {
	sig := p.Signature.String()
	elapsed := time.Since(p.FirstSubmittedAt)
	switch {
	case err == nil:
		log.Info("Transaction state", "state", StateConfirmedOK, "signature", sig,
			"observer", observer, "resends", p.Resends, "elapsed", elapsed)
		e.record(p, label, domain.SubmissionConfirmed, observer, nil)
		return StateConfirmedOK
	case errors.Is(err, domain.ErrTransactionRejected):
		log.Warn("Transaction state", "state", StateConfirmedErr, "signature", sig,
			"observer", observer, "resends", p.Resends, slog.Any("error", err))
		e.record(p, label, domain.SubmissionRejected, observer, err)
		return StateConfirmedErr
	case errors.Is(err, domain.ErrTimeout):
		log.Warn("Transaction state", "state", StateTimedOut, "signature", sig,
			"resends", p.Resends, "elapsed", elapsed)
		e.record(p, label, domain.SubmissionTimedOut, observer, err)
		return StateTimedOut
	default:
		log.Warn("Transaction state", "state", StateFailed, "signature", sig, slog.Any("error", err))
		e.record(p, label, domain.SubmissionFailed, observer, err)
		return StateFailed
	}
}

func (e *Engine) record(p *Pending, label string, state domain.SubmissionState, observer string, err error) {
	if e.journal == nil {
		return
	}
	rec := &domain.SubmissionRecord{
		Signature:   p.Signature.String(),
		Label:       label,
		State:       state,
		Resends:     p.Resends,
		Observer:    observer,
		SubmittedAt: p.FirstSubmittedAt,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if state != domain.SubmissionSubmitted {
		now := time.Now()
		rec.FinishedAt = &now
	}
	if jerr := e.journal.RecordSubmission(rec); jerr != nil {
		e.logger.Warn("Journal write failed", "signature", rec.Signature, slog.Any("error", jerr))
	}
}

func (e *Engine) observe(label, state string, resends int, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveTransaction(label, state, resends, time.Since(start))
	}
}
