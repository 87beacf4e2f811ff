package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeStatus is the lifecycle state carried by every routed message.
type EnvelopeStatus string

const (
	StatusPending   EnvelopeStatus = "pending"
	StatusHealthy   EnvelopeStatus = "healthy"
	StatusCompleted EnvelopeStatus = "completed"
	StatusFailed    EnvelopeStatus = "failed"
	StatusError     EnvelopeStatus = "error"
)

// SupervisorTarget is the reserved destination segment for envelopes
// addressed to the supervisor itself (acks, heartbeats).
const SupervisorTarget = "supervisor"

// Routing methods understood by the worker classes.
const (
	MethodCrawling       = "crawling"
	MethodOnFetchedData  = "on_fetched_data"
	MethodCreateNewData  = "create_new_data"
	MethodGetCrawledData = "get_crawled_data"
	MethodProduceData    = "produce_data"
	MethodDrainSpool     = "drain_spool"
)

// Envelope is the uniform routing-plus-payload record exchanged between the
// supervisor and its worker processes. The JSON form is the wire contract;
// decoders must tolerate unknown fields so old and new workers can coexist.
type Envelope struct {
	MessageID string `json:"message_id"`
	// CorrelationID links a response to the message_id of its request.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Source is the instance name of the sending worker, when known.
	Source string `json:"source,omitempty"`
	// ReplyTo names the instance a directed response should be delivered to.
	ReplyTo string         `json:"reply_to,omitempty"`
	Status  EnvelopeStatus `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	// Destination holds routing paths of the form <WorkerClass>/<Method>[/<Param>].
	Destination []string        `json:"destination"`
	Data        json.RawMessage `json:"data,omitempty"`
	SentAt      time.Time       `json:"sent_at,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id and marshaled data.
// A nil data value leaves the payload empty.
func NewEnvelope(status EnvelopeStatus, destination []string, data interface{}) (Envelope, error) {
	env := Envelope{
		MessageID:   uuid.New().String(),
		Status:      status,
		Destination: destination,
		SentAt:      time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// Target returns the worker class named by the first destination path,
// or an empty string when the envelope carries no destination.
func (e Envelope) Target() string {
	if len(e.Destination) == 0 {
		return ""
	}
	class, _, _ := ParsePath(e.Destination[0])
	return class
}

// ForSupervisor reports whether the envelope is addressed to the supervisor.
func (e Envelope) ForSupervisor() bool {
	return e.Target() == SupervisorTarget
}

// DecodeData unmarshals the payload into out.
func (e Envelope) DecodeData(out interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// Ack builds the terminal acknowledgement the supervisor uses to clear the
// pending entry for this envelope. Acks reuse the original message id.
func (e Envelope) Ack(source string, status EnvelopeStatus, reason string) Envelope {
	return Envelope{
		MessageID:   e.MessageID,
		Source:      source,
		Status:      status,
		Reason:      reason,
		Destination: []string{SupervisorTarget},
		SentAt:      time.Now().UTC(),
	}
}

// Reroute builds the busy rejection a loaded worker returns to the
// supervisor: same message id, same destination, same payload, so the
// supervisor can deliver it to another instance of the class.
func (e Envelope) Reroute(source string) Envelope {
	out := e
	out.Source = source
	out.Status = StatusFailed
	out.Reason = string(ReasonServerBusy)
	out.SentAt = time.Now().UTC()
	return out
}

// Path joins a worker class, method and optional parameter into a
// destination path.
func Path(class WorkerClass, method, param string) string {
	p := class.String() + "/" + method
	if param != "" {
		p += "/" + param
	}
	return p
}

// ParsePath splits a routing path into worker class, method and optional
// parameter. Paths look like "DBWorker/create_new_data/<project_id>"; the
// parameter segment may itself contain slashes.
func ParsePath(path string) (class, method, param string) {
	parts := strings.SplitN(path, "/", 3)
	class = parts[0]
	if len(parts) > 1 {
		method = parts[1]
	}
	if len(parts) > 2 {
		param = parts[2]
	}
	return class, method, param
}
