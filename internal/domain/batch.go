package domain

// SendOutcome is the result of one card within a batch send.
type SendOutcome struct {
	CardID    string
	Status    Status
	MessageID string
	Reason    string
	Error     string
}

func (o SendOutcome) Sent() bool { return o.Status == StatusSent }

// BatchSendResult is returned from one batch-send invocation and never persisted.
// PerCard follows the order of the requested card ids.
type BatchSendResult struct {
	Total       int
	SentCount   int
	FailedCount int
	PerCard     []SendOutcome
}

// Outcome returns the outcome recorded for cardID.
func (r *BatchSendResult) Outcome(cardID string) (SendOutcome, bool) {
	if r == nil {
		return SendOutcome{}, false
	}
	for _, o := range r.PerCard {
		if o.CardID == cardID {
			return o, true
		}
	}
	return SendOutcome{}, false
}

// EmailOverride replaces parts of a drafted email at send time.
type EmailOverride struct {
	To      *string
	Subject *string
	Body    *string
}
