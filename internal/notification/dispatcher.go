package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/utils"
)

// Publisher delivers one resolved notification.
type Publisher interface {
	Publish(ctx context.Context, n *models.Notification) error
}

// Directory resolves recipients.
type Directory interface {
	User(ctx context.Context, id string) (*models.User, error)
	Admins(ctx context.Context) ([]models.User, error)
}

const defaultTimeout = 10 * time.Second

// Dispatcher implements CreateNotification. Delivery runs on its own
// goroutine so a slow bus never holds up an order or payment request.
type Dispatcher struct {
	directory  Directory
	publishers []Publisher
	logger     *logger.Logger
	timeout    time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
}

func NewDispatcher(directory Directory, log *logger.Logger, publishers ...Publisher) *Dispatcher {
	return &Dispatcher{
		directory:  directory,
		publishers: publishers,
		logger:     log,
		timeout:    defaultTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateNotification queues template for delivery and returns at once.
// Customer templates need data["userId"]; admin templates go to every admin.
func (d *Dispatcher) CreateNotification(ctx context.Context, template string, data map[string]any) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.deliver(ctx, template, data); err != nil {
			d.logger.Warn("NOTIFY", fmt.Sprintf("%s not delivered: %v", template, err))
		}
	}()
}

// Wait blocks until every queued notification has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, template string, data map[string]any) error {
	recipients, err := d.recipients(ctx, template, data)
	if err != nil {
		return err
	}

	var errs []error
	for _, user := range recipients {
		n := &models.Notification{
			ID:        utils.NewID("ntf"),
			Template:  template,
			Audience:  AudienceOf(template),
			UserID:    user.ID,
			Recipient: user,
			Data:      data,
			CreatedAt: d.now(),
		}
		for _, p := range d.publishers {
			if err := p.Publish(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("publish to %s: %w", user.ID, err))
			}
		}
	}
	if len(errs) == 0 {
		d.logger.Debug("NOTIFY", fmt.Sprintf("%s sent to %d recipient(s)", template, len(recipients)))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) recipients(ctx context.Context, template string, data map[string]any) ([]*models.User, error) {
	if AudienceOf(template) == AudienceAdmin {
		admins, err := d.directory.Admins(ctx)
		if err != nil {
			return nil, fmt.Errorf("load admins: %w", err)
		}
		out := make([]*models.User, 0, len(admins))
		for i := range admins {
			out = append(out, &admins[i])
		}
		return out, nil
	}

	userID, _ := data["userId"].(string)
	if userID == "" {
		return nil, errors.New("customer notification without userId")
	}
	user, err := d.directory.User(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return []*models.User{user}, nil
}

// Writer is the message bus seen by BusPublisher.
type Writer interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// BusPublisher puts notifications on the message bus keyed by recipient.
type BusPublisher struct {
	writer Writer
}

func NewBusPublisher(w Writer) *BusPublisher {
	return &BusPublisher{writer: w}
}

func (b *BusPublisher) Publish(ctx context.Context, n *models.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return b.writer.Publish(ctx, n.UserID, value)
}

// Forward decodes a message read from the bus and hands it to sink.
func Forward(ctx context.Context, sink Publisher, value []byte) error {
	var n models.Notification
	if err := json.Unmarshal(value, &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	return sink.Publish(ctx, &n)
}
