package anchor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Publisher is an EventSink that publishes engine events to MQTT as JSON.
//
// Topics, relative to the prefix:
//
//	point               latest fused point (retained)
//	configuration       anchor currently in view, or {"anchor":null} (retained)
//	anchors/<name>      one retained message per stored anchor; cleared on removal
//	events              saves, removals and errors (not retained)
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        zerolog.Logger

	mu        sync.RWMutex
	lastPoint *FusedPointEvent
}

// publishEvent is the payload on the events topic.
type publishEvent struct {
	Kind      string        `json:"kind"`
	Timestamp int64         `json:"timestamp"`
	Anchor    *Anchor       `json:"anchor,omitempty"`
	Conflict  *ConflictType `json:"conflict,omitempty"`
	Replaced  string        `json:"replaced,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NewPublisher creates a publisher. If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "anchormesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: strings.TrimSuffix(prefix, "/"),
		qos:           0,
		retain:        true,
		logger:        logger.With().Str("component", "publisher").Logger(),
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether state topics are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Topic joins the publish prefix with a subtopic.
func (p *Publisher) Topic(sub string) string {
	return p.publishPrefix + "/" + sub
}

// AnchorTopic returns the retained topic of a stored anchor. MQTT wildcard and
// level separators in the name are replaced with underscores.
func (p *Publisher) AnchorTopic(name string) string {
	return p.Topic("anchors/" + topicSafe(name))
}

func topicSafe(name string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
}

// LastPoint returns the most recent fused point event.
func (p *Publisher) LastPoint() (FusedPointEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastPoint == nil {
		return FusedPointEvent{}, false
	}
	return *p.lastPoint, true
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *Publisher) publishJSON(topic string, retain bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	return p.publish(topic, retain, payload)
}

func (p *Publisher) publishEvent(ev publishEvent) {
	ev.Timestamp = time.Now().Unix()
	if err := p.publishJSON(p.Topic("events"), false, ev); err != nil {
		p.logger.Debug().Err(err).Str("kind", ev.Kind).Msg("event not published")
	}
}

// FusedPoint publishes the fused point of the current frame.
func (p *Publisher) FusedPoint(ev FusedPointEvent) {
	p.mu.Lock()
	cp := ev
	p.lastPoint = &cp
	p.mu.Unlock()

	if err := p.publishJSON(p.Topic("point"), p.retain, ev); err != nil {
		p.logger.Debug().Err(err).Msg("point not published")
	}
}

// ConfigurationChanged publishes the anchor now in view.
func (p *Publisher) ConfigurationChanged(current *Anchor) {
	payload := struct {
		Anchor *Anchor `json:"anchor"`
	}{Anchor: current}
	if err := p.publishJSON(p.Topic("configuration"), p.retain, payload); err != nil {
		p.logger.Warn().Err(err).Msg("configuration not published")
	}
}

// AnchorSaved publishes the stored anchor and clears the topic of a renamed one.
func (p *Publisher) AnchorSaved(res UpdateResult) {
	a := res.Anchor
	if err := p.publishJSON(p.AnchorTopic(a.Name), p.retain, a); err != nil {
		p.logger.Warn().Err(err).Str("anchor", a.Name).Msg("anchor not published")
	}
	if res.Replaced != "" && res.Replaced != a.Name {
		if err := p.publish(p.AnchorTopic(res.Replaced), true, []byte{}); err != nil {
			p.logger.Warn().Err(err).Str("anchor", res.Replaced).Msg("stale anchor topic not cleared")
		}
	}
	conflict := res.Conflict
	p.publishEvent(publishEvent{Kind: "anchor_saved", Anchor: &a, Conflict: &conflict, Replaced: res.Replaced})
}

// AnchorRemoved clears the retained anchor topic.
func (p *Publisher) AnchorRemoved(a Anchor) {
	if err := p.publish(p.AnchorTopic(a.Name), true, []byte{}); err != nil {
		p.logger.Warn().Err(err).Str("anchor", a.Name).Msg("anchor topic not cleared")
	}
	p.publishEvent(publishEvent{Kind: "anchor_removed", Anchor: &a})
}

// Error publishes an engine error with its kind.
func (p *Publisher) Error(err error) {
	p.publishEvent(publishEvent{Kind: ErrorKind(err), Error: err.Error()})
}

// PublishAnchors republishes every stored anchor, e.g. after a reconnect or reload.
func (p *Publisher) PublishAnchors(anchors []Anchor) error {
	for _, a := range anchors {
		if err := p.publishJSON(p.AnchorTopic(a.Name), p.retain, a); err != nil {
			return err
		}
	}
	return nil
}
