package chat

import "time"

// Diagnostic categories.
const (
	CategoryConnection  = "connection"
	CategoryHistory     = "history"
	CategorySend        = "send"
	CategoryPersistence = "persistence"
	CategoryServer      = "server"
	CategoryProtocol    = "protocol"
)

// Diagnostic is a non-fatal advisory warning. It never changes the delivery
// state of any message.
type Diagnostic struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// Diagnostics accumulates warnings for one session. It is owned by the
// session loop and is not safe for concurrent use.
type Diagnostics struct {
	entries []Diagnostic
	now     func() time.Time
}

func NewDiagnostics(now func() time.Time) *Diagnostics {
	if now == nil {
		now = time.Now
	}
	return &Diagnostics{now: now}
}

func (d *Diagnostics) Record(category, message string) Diagnostic {
	entry := Diagnostic{Timestamp: d.now().UTC(), Category: category, Message: message}
	d.entries = append(d.entries, entry)
	return entry
}

// Recent returns up to n of the newest entries, oldest first.
func (d *Diagnostics) Recent(n int) []Diagnostic {
	if n <= 0 || len(d.entries) == 0 {
		return nil
	}
	if n > len(d.entries) {
		n = len(d.entries)
	}
	out := make([]Diagnostic, n)
	copy(out, d.entries[len(d.entries)-n:])
	return out
}

func (d *Diagnostics) Count() int { return len(d.entries) }

func (d *Diagnostics) Clear() { d.entries = nil }
