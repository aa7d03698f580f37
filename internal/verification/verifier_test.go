package verification

import (
	"context"
	"testing"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/model"
	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/signature"
)

const ticketSecret = "ticket-secret"

type fakeTickets struct {
	tickets map[string]model.Ticket
}

func (f *fakeTickets) MarkUsed(_ context.Context, token string, at time.Time) (model.Ticket, error) {
	t, ok := f.tickets[token]
	if !ok {
		return model.Ticket{}, repository.ErrNotFound
	}
	if t.Status != model.TicketIssued {
		return t, repository.ErrConflict
	}
	t.Status = model.TicketUsed
	t.UsedAt = &at
	f.tickets[token] = t
	return t, nil
}

func TestServerVerify(t *testing.T) {
	v := NewVerifier(signature.NewCodec(signature.StaticSecret(ticketSecret), false), nil, nil)
	sig := signature.Sign("tok-1", []byte(ticketSecret))
	ctx := context.Background()

	if !v.Verify(ctx, "tok-1", sig) {
		t.Fatal("valid signature rejected")
	}
	for _, bad := range []string{"", sig[:len(sig)-1], signature.Sign("tok-2", []byte(ticketSecret)), signature.Sign("tok-1", []byte("other"))} {
		if v.Verify(ctx, "tok-1", bad) {
			t.Fatalf("accepted %q", bad)
		}
	}

	noSecret := NewVerifier(signature.NewCodec(signature.EnvSecret("VERIFICATION_TEST_UNSET_SECRET"), true), nil, nil)
	if noSecret.Verify(ctx, "tok-1", sig) {
		t.Fatal("verified without a secret")
	}
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	store := &fakeTickets{tickets: map[string]model.Ticket{
		"tok-1": {Token: "tok-1", Status: model.TicketIssued, HolderName: "Ada"},
		"tok-2": {Token: "tok-2", Status: model.TicketRefunded, HolderName: "Grace"},
		"tok-3": {Token: "tok-3", Status: model.TicketIssued, HolderName: "Linus"},
	}}
	v := NewVerifier(signature.NewCodec(signature.StaticSecret(ticketSecret), false), store, nil)
	sig := func(tok string) string { return signature.Sign(tok, []byte(ticketSecret)) }

	a, err := v.Admit(ctx, "tok-1", sig("tok-1"), MethodCamera, "door-1")
	if err != nil || a.Result != Admitted || a.HolderName != "Ada" || a.UsedAt == nil {
		t.Fatalf("first admit = %+v, %v", a, err)
	}
	a, _ = v.Admit(ctx, "tok-1", sig("tok-1"), MethodTap, "door-2")
	if a.Result != AlreadyUsed {
		t.Fatalf("second admit = %+v", a)
	}
	a, _ = v.Admit(ctx, "tok-2", sig("tok-2"), MethodCamera, "door-1")
	if a.Result != Revoked {
		t.Fatalf("refunded ticket = %+v", a)
	}
	a, _ = v.Admit(ctx, "tok-3", "", MethodCamera, "door-1")
	if a.Result != Invalid || store.tickets["tok-3"].Status != model.TicketIssued {
		t.Fatalf("unsigned camera scan = %+v", a)
	}
	a, _ = v.Admit(ctx, "tok-3", "", MethodManual, "door-1")
	if a.Result != Admitted {
		t.Fatalf("manual entry = %+v", a)
	}
	a, _ = v.Admit(ctx, "tok-404", sig("tok-404"), MethodCamera, "door-1")
	if a.Result != Invalid {
		t.Fatalf("unknown ticket = %+v", a)
	}
	a, _ = v.Admit(ctx, "tok-1", sig("tok-1"), Method("nfc"), "door-1")
	if a.Result != Invalid {
		t.Fatalf("unknown method = %+v", a)
	}
}
