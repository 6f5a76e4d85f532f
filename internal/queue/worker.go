// Package queue consumes "initiate call" jobs from a Redis stream consumer
// group. Each worker process that picks up a job creates the shared session
// record, opens the AI-provider socket (becoming the session owner), and
// places the outbound call.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/voxwire/voxwire/internal/models"
	"github.com/voxwire/voxwire/internal/provider"
	pgrepo "github.com/voxwire/voxwire/internal/repositories/postgres"
	"github.com/voxwire/voxwire/internal/services"
	"github.com/voxwire/voxwire/internal/session"
	"github.com/voxwire/voxwire/internal/telephony"
)

const (
	DefaultStream         = "calls:jobs"
	DefaultGroup          = "call-workers"
	DefaultConsumerPrefix = "w"

	// jobClaimTTL is how long a processed job id stays marked; redelivery
	// within this window is a no-op (idempotency per job id).
	jobClaimTTL = 24 * time.Hour
)

// CallJob is the work item delivered on the jobs stream.
type CallJob struct {
	JobID    string `json:"job_id"`
	To       string `json:"to"`
	AgentID  string `json:"agent_id"`
	Greeting string `json:"greeting,omitempty"`
	Metadata string `json:"metadata,omitempty"` // caller-supplied JSON, stored as-is
}

type WorkerPool struct {
	Redis      *redis.Client
	Sessions   session.Service
	Provider   *provider.Manager
	Telephony  *telephony.Client
	Calls      services.CallService
	Knowledge  pgrepo.KnowledgeRepo
	Logger     *logrus.Logger
	NumWorkers int

	Stream         string
	Group          string
	ConsumerPrefix string
	FromNumber     string
}

func (p *WorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Sessions == nil || p.Provider == nil || p.Telephony == nil {
		return errors.New("WorkerPool missing dependency: Redis/Sessions/Provider/Telephony must be set")
	}
	if p.Stream == "" {
		p.Stream = DefaultStream
	}
	if p.Group == "" {
		p.Group = DefaultGroup
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = DefaultConsumerPrefix
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 4
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

func (p *WorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleJob(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func parseJob(msg redis.XMessage) CallJob {
	getStr := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	return CallJob{
		JobID:    getStr("job_id"),
		To:       getStr("to"),
		AgentID:  getStr("agent_id"),
		Greeting: getStr("greeting"),
		Metadata: getStr("metadata"),
	}
}

func (p *WorkerPool) handleJob(ctx context.Context, msg redis.XMessage) {
	job := parseJob(msg)
	if job.JobID == "" || job.To == "" {
		p.Logger.WithField("redis_id", msg.ID).Warn("call job missing job_id or destination, dropping")
		return
	}

	log := p.Logger.WithFields(logrus.Fields{
		"redis_id": msg.ID,
		"job_id":   job.JobID,
		"agent_id": job.AgentID,
	})

	// Idempotency: a redelivered job id must not place a second call.
	claimed, err := p.Redis.SetNX(ctx, "job:"+job.JobID+":claim", "1", jobClaimTTL).Result()
	if err != nil {
		log.WithError(err).Warn("job claim failed, skipping this delivery")
		return
	}
	if !claimed {
		log.Info("job already processed, skipping")
		return
	}

	rec, err := p.Sessions.Create(ctx, &models.Session{
		AgentID: job.AgentID,
		From:    p.FromNumber,
		To:      job.To,
	})
	if err != nil {
		log.WithError(err).Error("could not create session record")
		return
	}
	log = log.WithField("session_id", rec.SessionID)

	agent := provider.AgentConfig{
		AgentID:  job.AgentID,
		Greeting: job.Greeting,
		Context:  p.agentContext(ctx, job.AgentID, log),
	}

	if _, err := p.Provider.StartConversation(ctx, rec.SessionID, agent); err != nil {
		log.WithError(err).Error("could not start AI conversation")
		_ = p.Sessions.SetStatus(ctx, rec.SessionID, models.SessionFailed)
		return
	}

	callSID, err := p.Telephony.PlaceCall(ctx, rec.SessionID, job.To)
	if err != nil {
		log.WithError(err).Error("could not place outbound call")
		_ = p.Provider.EndConversation(ctx, rec.SessionID, provider.CloseReasonNormal)
		_ = p.Sessions.SetStatus(ctx, rec.SessionID, models.SessionFailed)
		return
	}

	if _, err := p.Sessions.Update(ctx, rec.SessionID, func(s *models.Session) {
		s.CallSID = callSID
	}); err != nil {
		log.WithError(err).Warn("could not record call sid on session")
	}

	// History is a side channel: never fail the job on it.
	if p.Calls != nil {
		if _, err := p.Calls.Record(ctx, rec.SessionID, callSID, p.FromNumber, job.To, "outbound", job.AgentID, []byte(job.Metadata)); err != nil {
			log.WithError(err).Warn("could not record call history")
		}
	}

	log.WithField("call_sid", callSID).Info("outbound call placed")
}

// agentContext pulls knowledge-base snippets for the handshake. Best effort.
func (p *WorkerPool) agentContext(ctx context.Context, agentID string, log *logrus.Entry) []string {
	if p.Knowledge == nil || agentID == "" {
		return nil
	}
	rows, err := p.Knowledge.LatestForAgent(ctx, agentID, 5)
	if err != nil {
		log.WithError(err).Warn("knowledge lookup failed, starting without context")
		return nil
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Content)
	}
	return out
}

// Enqueue publishes one call job onto the stream. Used by the API surface.
func Enqueue(ctx context.Context, rdb *redis.Client, stream string, job CallJob) error {
	if stream == "" {
		stream = DefaultStream
	}
	fields := map[string]any{
		"job_id":   job.JobID,
		"to":       job.To,
		"agent_id": job.AgentID,
	}
	if job.Greeting != "" {
		fields["greeting"] = job.Greeting
	}
	if job.Metadata != "" {
		if !json.Valid([]byte(job.Metadata)) {
			return errors.New("job metadata must be valid JSON")
		}
		fields["metadata"] = job.Metadata
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Err()
}
