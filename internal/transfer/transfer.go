package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"storefront-escrow/internal/escrow"
	"storefront-escrow/internal/metrics"
)

// keySchemaVersion is bumped whenever the parameter layout sent to the processor changes.
const keySchemaVersion = "v2"

// ErrIdempotencyKeyMismatch is returned by a Processor when a key was replayed with different parameters.
var ErrIdempotencyKeyMismatch = errors.New("idempotency key mismatch")

// Shape names the parameter layout a key was derived for.
type Shape string

const (
	ShapePlain        Shape = "plain"
	ShapeSourceLinked Shape = "src"
)

// Params are the transfer fields sent to the processor.
type Params struct {
	Amount            int64
	Currency          string
	Destination       string
	TransferGroup     string
	SourceTransaction string
	Metadata          map[string]string
}

// Shape reports the layout of p. Source-linked transfers bind to the original charge.
func (p Params) Shape() Shape {
	if p.SourceTransaction != "" {
		return ShapeSourceLinked
	}
	return ShapePlain
}

// IdempotencyKey couples an escrow id with the parameter shape it was built for,
// so one key is never sent with two different layouts.
type IdempotencyKey struct {
	Version  string
	EscrowID string
	Shape    Shape
}

// NewKey derives the deterministic key for params on escrow escrowID.
func NewKey(escrowID string, params Params) IdempotencyKey {
	return IdempotencyKey{Version: keySchemaVersion, EscrowID: escrowID, Shape: params.Shape()}
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("transfer:%s:%s:%s", k.Version, k.EscrowID, k.Shape)
}

// Result is a successful transfer.
type Result struct {
	TransferID string
}

// Processor creates transfers at the payment provider.
type Processor interface {
	CreateTransfer(ctx context.Context, params Params, idempotencyKey string) (Result, error)
}

// Failure is a terminal transfer failure for one attempt.
type Failure struct {
	EscrowID string
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transfer %s: %s", f.EscrowID, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// BuildParams maps an escrow to transfer parameters.
func BuildParams(e escrow.Escrow) Params {
	return Params{
		Amount:            e.SellerAmount,
		Currency:          e.Currency,
		Destination:       e.SellerConnectID,
		TransferGroup:     e.TransferGroup,
		SourceTransaction: e.ChargeID,
		Metadata: map[string]string{
			"escrow_id": e.ID,
			"site_key":  e.SiteKey,
		},
	}
}

// KeyRecorder persists the idempotency key of a releasing escrow before it is sent.
type KeyRecorder interface {
	SaveTransferKey(ctx context.Context, id, key string, now time.Time) error
}

// Executor wraps the processor with key derivation and bounded retry.
type Executor struct {
	processor Processor
	keys      KeyRecorder
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewExecutor creates a transfer executor. keys may be nil, in which case a
// suffixed retry key is not remembered across attempts.
func NewExecutor(processor Processor, keys KeyRecorder, logger *slog.Logger, metricRegistry *metrics.Metrics) *Executor {
	return &Executor{
		processor: processor,
		keys:      keys,
		logger:    logger.With("component", "transfer"),
		metrics:   metricRegistry,
		now:       time.Now,
	}
}

// Execute moves the escrow's funds. The escrow's stored key is replayed when
// present. A key mismatch is retried exactly once with a freshly suffixed key,
// which is persisted before it is sent; every other error is returned as a
// *Failure.
func (x *Executor) Execute(ctx context.Context, e escrow.Escrow) (Result, error) {
	params := BuildParams(e)
	base := NewKey(e.ID, params).String()
	key := base
	if e.TransferKey != "" {
		key = e.TransferKey
	}

	res, err := x.create(ctx, params, key)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrIdempotencyKeyMismatch) {
		retryKey := base + ":" + strconv.FormatInt(x.now().UnixMilli(), 10)
		x.logger.Warn("idempotency key mismatch, retrying with suffixed key",
			"escrow_id", e.ID, "idempotency_key", key, "retry_key", retryKey)
		if x.keys != nil {
			if err := x.keys.SaveTransferKey(context.WithoutCancel(ctx), e.ID, retryKey, x.now()); err != nil {
				return Result{}, &Failure{EscrowID: e.ID, Reason: "save transfer key: " + err.Error(), Err: err}
			}
		}
		res, err = x.create(ctx, params, retryKey)
		if err == nil {
			return res, nil
		}
	}
	return Result{}, &Failure{EscrowID: e.ID, Reason: err.Error(), Err: err}
}

func (x *Executor) create(ctx context.Context, params Params, key string) (Result, error) {
	start := time.Now()
	res, err := x.processor.CreateTransfer(ctx, params, key)
	status := "ok"
	if err != nil {
		status = "error"
	} else if res.TransferID == "" {
		status = "error"
		err = errors.New("processor returned empty transfer id")
	}
	x.metrics.TransferRequests.WithLabelValues(string(params.Shape()), status).Inc()
	x.metrics.TransferLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
