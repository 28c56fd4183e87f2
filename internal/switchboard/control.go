package switchboard

import (
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/query"
	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// sendersExpr builds the sender control: membership of the extrinsic's
// signer or any extra signer in the configured senders set. Every configured
// sender is normalized to its canonical public-key hex form so that an
// address-form entry and a public-key-form entry referring to the same
// account compare equal.
func sendersExpr(sub *subscription.Subscription) query.Expr {
	if sub.IsWildcardSenders() {
		return query.Any{}
	}
	if len(sub.Senders) == 0 {
		return query.None{}
	}

	values := make([]string, 0, len(sub.Senders))
	for _, s := range sub.Senders {
		if acct, err := xcm.ParseAccount(s); err == nil {
			values = append(values, acct.String())
		} else {
			values = append(values, s)
		}
	}

	return query.Or{Exprs: []query.Expr{
		query.NewIn("signer", values),
		query.NewIn("extraSigners", values),
	}}
}

// messageExpr builds the message control: recipient membership against the
// configured destinations.
func messageExpr(sub *subscription.Subscription) query.Expr {
	if len(sub.Destinations) == 0 {
		return query.None{}
	}
	values := make([]string, 0, len(sub.Destinations))
	for _, d := range sub.Destinations {
		values = append(values, string(d))
	}
	return query.NewIn("recipient", values)
}

// signerRecord projects an extrinsic's signing accounts onto the fields
// sendersExpr tests.
type signerRecord struct {
	signer       *xcm.Account
	extraSigners []xcm.Account
}

func (r signerRecord) Field(name string) []string {
	switch name {
	case "signer":
		if r.signer == nil {
			return nil
		}
		return []string{r.signer.String()}
	case "extraSigners":
		out := make([]string, 0, len(r.extraSigners))
		for _, a := range r.extraSigners {
			out = append(out, a.String())
		}
		return out
	default:
		return nil
	}
}

// messageRecord projects a BlockEvent onto the field messageExpr tests.
type messageRecord struct {
	recipient *network.ID
}

func (r messageRecord) Field(name string) []string {
	if name != "recipient" || r.recipient == nil {
		return nil
	}
	return []string{string(*r.recipient)}
}
