package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for coordinator entities.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewWorkerID generates a new worker identifier.
func NewWorkerID() string {
	return defaultGenerator.newIdentifier("worker")
}

// NewScheduleID generates a new schedule identifier.
func NewScheduleID() string {
	return defaultGenerator.newIdentifier("sched")
}

// NewObservationID generates a new observation identifier.
func NewObservationID() string {
	return defaultGenerator.newIdentifier("obs")
}

// NewArtifactID generates a new artifact identifier.
func NewArtifactID() string {
	return defaultGenerator.newIdentifier("artifact")
}

// NewSkillID generates a new skill identifier.
func NewSkillID() string {
	return defaultGenerator.newIdentifier("skill")
}

// NewAccountID generates a new account identifier.
func NewAccountID() string {
	return defaultGenerator.newIdentifier("account")
}

// NewWorkspaceID generates a new workspace identifier.
func NewWorkspaceID() string {
	return defaultGenerator.newIdentifier("workspace")
}

// NewEventID generates a bus event identifier used for consumer-side dedup.
func NewEventID() string {
	return defaultGenerator.newIdentifier("evt")
}

// NewRequestID generates a request identifier for log correlation.
func NewRequestID() string {
	return defaultGenerator.newIdentifier("req")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

// NewKSUID exposes raw KSUID generation for callers that need unprefixed identifiers.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewUUIDv7 exposes raw UUIDv7 generation for callers that need unprefixed identifiers.
func NewUUIDv7() string {
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return uuidv7.String()
}
