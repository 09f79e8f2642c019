package domain

import "time"

type VerifyLevel string

const (
	VerifyLevelBasic    VerifyLevel = "basic"
	VerifyLevelStandard VerifyLevel = "standard"
	VerifyLevelPro      VerifyLevel = "pro"
)

// Rank orders levels: pro >= standard >= basic (price and verification rate).
func (v VerifyLevel) Rank() int {
	switch v {
	case VerifyLevelBasic:
		return 0
	case VerifyLevelStandard:
		return 1
	case VerifyLevelPro:
		return 2
	}
	return -1
}

func (v VerifyLevel) Valid() bool { return v.Rank() >= 0 }

// Estimate is a non-binding price/time/citation range. Recomputed, never persisted.
// Money is in fen (1 yuan = 100 fen), same unit WeChat Pay uses on the wire.
type Estimate struct {
	PriceMinFen int64       `json:"priceMinFen"`
	PriceMaxFen int64       `json:"priceMaxFen"`
	EtaMinutes  [2]int      `json:"etaMinutes"`
	CitesRange  [2]int      `json:"citesRange"`
	VerifyLevel VerifyLevel `json:"verifyLevel"`
}

// PriceLock is a time-boxed binding price. Valid iff now < ExpiresAt and not Spent.
type PriceLock struct {
	ID        string    `json:"lockId"`
	ValueFen  int64     `json:"valueFen"`
	Currency  string    `json:"currency"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Spent is set when a payment intent backed by this lock succeeds; a spent
	// lock can never back a second intent.
	Spent bool `json:"spent"`

	// Selection the price was derived from; any mismatch invalidates the lock.
	VerifyLevel VerifyLevel `json:"verifyLevel"`
	Addons      []string    `json:"addons,omitempty"`
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

// PaymentIntent is immutable once terminal.
type PaymentIntent struct {
	ID         string        `json:"paymentIntentId"`
	LockID     string        `json:"lockId"`
	AmountFen  int64         `json:"amountFen"`
	Status     PaymentStatus `json:"status"`
	FailReason string        `json:"failReason,omitempty"`
	CodeURL    string        `json:"code_url,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	PaidAt     *time.Time    `json:"paidAt,omitempty"`
}

type TaskStatus string

const (
	TaskStatusIdle      TaskStatus = "idle"
	TaskStatusStarting  TaskStatus = "starting"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

type AutopilotConfig struct {
	VerifyLevel     VerifyLevel `json:"verifyLevel"`
	Addons          []string    `json:"addons,omitempty"`
	AllowPreprint   bool        `json:"allowPreprint"`
	UseStyleSamples bool        `json:"useStyleSamples"`
	FromStep        string      `json:"fromStep,omitempty"`
	WordCount       int         `json:"wordCount"`
}

// AutopilotTask: exactly one non-terminal task per project; terminal states are final.
type AutopilotTask struct {
	TaskID          string          `json:"taskId"`
	Config          AutopilotConfig `json:"config"`
	Status          TaskStatus      `json:"status"`
	ProgressPercent int             `json:"progressPercent"`
	Note            string          `json:"note,omitempty"`
	ResultDocID     string          `json:"resultDocId,omitempty"`
	Error           string          `json:"error,omitempty"`
	Retryable       bool            `json:"retryable,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type CheckoutState string

const (
	CheckoutStateIdle             CheckoutState = "idle"
	CheckoutStateQuoted           CheckoutState = "quoted"
	CheckoutStateLocked           CheckoutState = "locked"
	CheckoutStatePaymentPending   CheckoutState = "payment_pending"
	CheckoutStatePaymentFailed    CheckoutState = "payment_failed"
	CheckoutStatePaymentSucceeded CheckoutState = "payment_succeeded"
	CheckoutStateAutopilotRunning CheckoutState = "autopilot_running"
	CheckoutStateDone             CheckoutState = "done"
	CheckoutStateFailed           CheckoutState = "failed"
	CheckoutStateCancelled        CheckoutState = "cancelled"
)

func (s CheckoutState) Terminal() bool {
	return s == CheckoutStateDone || s == CheckoutStateFailed || s == CheckoutStateCancelled
}

// CheckoutSession is the persisted per-project snapshot (single writer: the
// controller that owns the project).
type CheckoutSession struct {
	ProjectID string        `json:"projectId"`
	State     CheckoutState `json:"state"`
	CreatedAt time.Time     `json:"createdAt"`

	WordCount   int         `json:"wordCount"`
	VerifyLevel VerifyLevel `json:"verifyLevel"`
	Addons      []string    `json:"addons,omitempty"`

	// Generation options; they don't affect price, so changing them never
	// invalidates a held lock.
	AllowPreprint   bool `json:"allowPreprint"`
	UseStyleSamples bool `json:"useStyleSamples"`

	Lock    *PriceLock     `json:"lock,omitempty"`
	Intent  *PaymentIntent `json:"intent,omitempty"`
	Task    *AutopilotTask `json:"task,omitempty"`
	DocID   string         `json:"docId,omitempty"`
	Receipt string         `json:"receiptKey,omitempty"`
	Error   string         `json:"error,omitempty"`
}
