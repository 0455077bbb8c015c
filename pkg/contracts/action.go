package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
)

// Kind names one of the governed action variants.
type Kind string

// Kind constants.
const (
	KindTransaction             Kind = "TRANSACTION"
	KindChangeRequiredApprovals Kind = "CHANGE_REQUIRED_APPROVALS"
	KindAddOwner                Kind = "ADD_OWNER"
	KindRemoveOwner             Kind = "REMOVE_OWNER"
	KindUpdateDeadlineDuration  Kind = "UPDATE_DEADLINE_DURATION"
	KindPause                   Kind = "PAUSE"
	KindUnpause                 Kind = "UNPAUSE"
)

// Kinds lists every variant in declaration order.
var Kinds = []Kind{
	KindTransaction,
	KindChangeRequiredApprovals,
	KindAddOwner,
	KindRemoveOwner,
	KindUpdateDeadlineDuration,
	KindPause,
	KindUnpause,
}

// Action is the closed set of effects a proposal can carry. Only the types in
// this file implement it. Actions are immutable once built.
type Action interface {
	Kind() Kind
	isAction()
}

// Transaction invokes an external target with call data and value.
type Transaction struct {
	Target Address
	Data   []byte
	Value  *big.Int
}

// ChangeRequiredApprovals overwrites the quorum size.
type ChangeRequiredApprovals struct {
	Required int `json:"required"`
}

// AddOwner registers a new owner.
type AddOwner struct {
	Owner Address `json:"owner"`
}

// RemoveOwner deregisters an existing owner.
type RemoveOwner struct {
	Owner Address `json:"owner"`
}

// UpdateDeadlineDuration overwrites the validity window of future proposals.
type UpdateDeadlineDuration struct {
	Duration Duration `json:"duration"`
}

// Pause suspends create/approve/execute for Duration.
type Pause struct {
	Duration Duration `json:"duration"`
}

// Unpause clears an elapsed pause window.
type Unpause struct{}

func (Transaction) Kind() Kind             { return KindTransaction }
func (ChangeRequiredApprovals) Kind() Kind { return KindChangeRequiredApprovals }
func (AddOwner) Kind() Kind                { return KindAddOwner }
func (RemoveOwner) Kind() Kind             { return KindRemoveOwner }
func (UpdateDeadlineDuration) Kind() Kind  { return KindUpdateDeadlineDuration }
func (Pause) Kind() Kind                   { return KindPause }
func (Unpause) Kind() Kind                 { return KindUnpause }

func (Transaction) isAction()             {}
func (ChangeRequiredApprovals) isAction() {}
func (AddOwner) isAction()                {}
func (RemoveOwner) isAction()             {}
func (UpdateDeadlineDuration) isAction()  {}
func (Pause) isAction()                   {}
func (Unpause) isAction()                 {}

// Amount returns the transferred value, zero when unset.
func (t Transaction) Amount() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.Value)
}

// transactionWire keeps Value as a decimal string so canonicalization never
// routes it through float64.
type transactionWire struct {
	Target Address `json:"target"`
	Data   []byte  `json:"data,omitempty"`
	Value  string  `json:"value"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionWire{
		Target: t.Target,
		Data:   t.Data,
		Value:  t.Amount().String(),
	})
}

func (t *Transaction) UnmarshalJSON(b []byte) error {
	var w transactionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t.Target = w.Target
	t.Data = w.Data
	t.Value = nil
	if w.Value != "" {
		v, ok := new(big.Int).SetString(w.Value, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("%w: value %q is not a non-negative integer", ErrInvalidAction, w.Value)
		}
		t.Value = v
	}
	return nil
}

// Duration is a time.Duration that encodes as a Go duration string and
// decodes from either a duration string ("24h") or a number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("%w: duration must be a string or seconds", ErrInvalidAction)
	}
	if secs < 0 || secs > math.MaxInt64/int64(time.Second) {
		return fmt.Errorf("%w: duration of %d seconds out of range", ErrInvalidAction, secs)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) String() string {
	return strconv.FormatInt(int64(time.Duration(d)/time.Second), 10) + "s"
}

// MarshalAction returns the RFC 8785 canonical JSON of the action payload.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", a.Kind(), err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s payload: %w", a.Kind(), err)
	}
	return canonical, nil
}

// UnmarshalAction rebuilds an action from its kind and payload.
func UnmarshalAction(kind Kind, payload []byte) (Action, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var (
		a   Action
		err error
	)
	switch kind {
	case KindTransaction:
		var v Transaction
		err = json.Unmarshal(payload, &v)
		a = v
	case KindChangeRequiredApprovals:
		var v ChangeRequiredApprovals
		err = json.Unmarshal(payload, &v)
		a = v
	case KindAddOwner:
		var v AddOwner
		err = json.Unmarshal(payload, &v)
		a = v
	case KindRemoveOwner:
		var v RemoveOwner
		err = json.Unmarshal(payload, &v)
		a = v
	case KindUpdateDeadlineDuration:
		var v UpdateDeadlineDuration
		err = json.Unmarshal(payload, &v)
		a = v
	case KindPause:
		var v Pause
		err = json.Unmarshal(payload, &v)
		a = v
	case KindUnpause:
		a = Unpause{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidAction, kind, err)
	}
	return a, nil
}

// ActionDigest returns "sha256:<hex>" over the kind and canonical payload.
func ActionDigest(a Action) (string, error) {
	payload, err := MarshalAction(a)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(a.Kind()))
	h.Write([]byte{0})
	h.Write(payload)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
