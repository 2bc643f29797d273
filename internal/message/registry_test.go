package message

import (
	"errors"
	"testing"
)

func TestRegistry_EncodeDecodeKeepsType(t *testing.T) {
	in := &PaymentInit{
		Base: Base{
			Correlation: "ct-1",
			Gateway:     "adyen",
			OrderID:     "1.1",
			Date:        1700000000,
		},
		FinalStatus:      FinalStatusFailed,
		ValidationAction: ValidationActionProcess,
	}

	payload, err := Default.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Default.Decode(in.MessageType(), payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := got.(*PaymentInit)
	if !ok {
		t.Fatalf("decoded type=%T, want *PaymentInit", got)
	}
	if p.Gateway != "adyen" || p.OrderID != "1.1" || p.FinalStatus != FinalStatusFailed {
		t.Fatalf("decoded=%+v", p)
	}
	if p.Keys()[CorrelationKey] != "ct-1" {
		t.Fatalf("keys=%v, want correlation key", p.Keys())
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := Default.Decode("no-such-type", []byte(`{}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err=%v, want ErrUnknownType", err)
	}
}

func TestRegistry_DecodeBadPayload(t *testing.T) {
	_, err := Default.Decode(TypeTransaction, []byte(`{"gross":`))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err=%v, want ErrDecode", err)
	}
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("x", func() Message { return &Generic{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("x", func() Message { return &Generic{} }); err == nil {
		t.Fatalf("expected duplicate register error")
	}
}

func TestRegistry_FactoryTagMismatch(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("alias", func() Message { return &Generic{} })
	_, err := r.Decode("alias", []byte(`{"correlationId":"a"}`))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err=%v, want ErrDecode", err)
	}
}

func TestRegistry_RawEncodesVerbatim(t *testing.T) {
	raw := Raw{Tag: "legacy", Correlation: "c", Payload: []byte("not json")}
	b, err := Default.Encode(raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != "not json" {
		t.Fatalf("payload=%q", b)
	}
}

func TestValidate_MissingCorrelation(t *testing.T) {
	err := Validate(&Transaction{})
	if !errors.Is(err, ErrMissingCorrelationID) {
		t.Fatalf("err=%v, want ErrMissingCorrelationID", err)
	}
	if err := Validate(&Transaction{Base: Base{Correlation: "c"}}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestIdentityOf_GenericFallsBackToKeys(t *testing.T) {
	g := &Generic{Correlation: "abc", Attributes: map[string]string{"gateway": "x", "order_id": "1"}}
	id := IdentityOf(g)
	if id.Correlation != "abc" || id.Gateway != "x" || id.OrderID != "1" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestSortedKeys(t *testing.T) {
	g := &Generic{Correlation: "abc", Attributes: map[string]string{"order_id": "1", "gateway": "x"}}
	got := SortedKeys(g)
	want := []string{CorrelationKey, "gateway", "order_id"}
	if len(got) != len(want) {
		t.Fatalf("keys=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys=%v, want %v", got, want)
		}
	}
}
