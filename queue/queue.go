// Package queue chains pipeline stages through a NATS JetStream work queue.
package queue

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Pipeline stages, in dependency order.
const (
	StageExtract      = "extract"
	StageAggregate    = "aggregate"
	StagePublishStore = "publish_store"
	StagePublishIssue = "publish_issue"
)

const (
	streamName    = "USAGESTATS"
	subjectPrefix = "stats.task."
)

// Task is one schedulable unit of pipeline work. Cursor carries the resume
// position for stages interrupted by the wall-clock deadline.
type Task struct {
	Stage    string    `json:"stage"`
	Period   string    `json:"period"`
	Cursor   string    `json:"cursor,omitempty"`
	Enqueued time.Time `json:"enqueued"`
}

type Queue struct {
	js nats.JetStreamContext
}

func New(nc *nats.Conn) (*Queue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, err
	}

	log.Println("NATS stream configured successfully")
	return &Queue{js: js}, nil
}

// Enqueue publishes a task for asynchronous execution.
func (q *Queue) Enqueue(task Task) error {
	task.Enqueued = time.Now()
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(subjectPrefix+task.Stage, data)
	if err != nil {
		log.Printf("Failed to enqueue %s task for period %s: %v", task.Stage, task.Period, err)
		return err
	}
	log.Printf("Enqueued %s task for period %s", task.Stage, task.Period)
	return nil
}

// Subscribe attaches a durable work-queue consumer handling all task
// subjects with manual acknowledgement.
func (q *Queue) Subscribe(handler func(Task) error) (*nats.Subscription, error) {
	return q.js.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			log.Printf("Failed to unmarshal task: %v", err)
			msg.Nak()
			return
		}

		if err := handler(task); err != nil {
			log.Printf("Task %s for period %s failed: %v", task.Stage, task.Period, err)
			msg.Nak()
			return
		}
		msg.Ack()
	},
		nats.Durable("usagestats-workers"),
		nats.ManualAck(),
		nats.MaxAckPending(1),
	)
}
