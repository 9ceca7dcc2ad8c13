package taskqueue

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/iterator"
)

// CloudTasksDeferrer dispatches tasks through Google Cloud Tasks. Each task
// becomes an HTTP POST back to the service's task handler, with the payload
// as the request body.
//
// Cloud Tasks supplies the retry policy: exponential backoff configured at
// the queue level, plus a dead-letter queue for tasks that exhaust it. A
// handler that responds 2xx on a permanent failure (after logging and
// dropping) keeps such tasks out of the retry loop.
type CloudTasksDeferrer struct {
	client     *cloudtasks.Client
	projectID  string
	locationID string
	handlerURL string
	logger     *log.Logger

	// MaxBacklog, when positive, caps the queue depth: Defer becomes a noop
	// once the estimated backlog exceeds it.
	MaxBacklog int
}

// NewCloudTasksDeferrer connects to Cloud Tasks. handlerURL is the base URL
// tasks are POSTed to; the queue name is appended to the path.
func NewCloudTasksDeferrer(projectID, locationID, handlerURL string) (*CloudTasksDeferrer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	d := &CloudTasksDeferrer{
		client:     client,
		projectID:  projectID,
		locationID: locationID,
		handlerURL: handlerURL,
		logger:     log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
	}
	d.logger.Printf("Connected to Cloud Tasks (project=%s location=%s)", projectID, locationID)
	return d, nil
}

func (d *CloudTasksDeferrer) queuePath(queue string) string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", d.projectID, d.locationID, queue)
}

func (d *CloudTasksDeferrer) Defer(ctx context.Context, task Task) error {
	queue := task.Queue
	if queue == "" {
		queue = QueueDefault
	}

	if d.MaxBacklog > 0 {
		depth, err := d.queueDepth(ctx, queue, d.MaxBacklog)
		if err == nil && depth >= d.MaxBacklog {
			d.logger.Printf("Queue %s backlog at %d, skipping defer for key=%s", queue, depth, task.Key)
			return nil
		}
	}

	req := &taskspb.CreateTaskRequest{
		Parent: d.queuePath(queue),
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        d.handlerURL + "/" + queue,
					Headers: map[string]string{
						"Content-Type": "application/json",
						"X-Task-Key":   task.Key,
					},
					Body: task.Payload,
				},
			},
		},
	}

	if _, err := d.client.CreateTask(ctx, req); err != nil {
		return fmt.Errorf("cloudtasks CreateTask (queue=%s key=%s): %w", queue, task.Key, err)
	}
	return nil
}

// queueDepth counts queued tasks, stopping once max is reached. Queue stats
// are not exposed on the v2 API surface, so the backlog is measured by
// listing; max keeps the scan bounded.
func (d *CloudTasksDeferrer) queueDepth(ctx context.Context, queue string, max int) (int, error) {
	it := d.client.ListTasks(ctx, &taskspb.ListTasksRequest{Parent: d.queuePath(queue)})
	count := 0
	for count < max {
		if _, err := it.Next(); err != nil {
			if err == iterator.Done {
				break
			}
			return 0, err
		}
		count++
	}
	return count, nil
}

// Close shuts down the Cloud Tasks client.
func (d *CloudTasksDeferrer) Close() error {
	return d.client.Close()
}

var _ Deferrer = (*CloudTasksDeferrer)(nil)
