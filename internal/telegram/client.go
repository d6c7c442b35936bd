// Package telegram is the chat transport: it sends text to a chat and turns
// "/start" commands into activation events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/goodtune/bmswatch/internal/schedule"
	"github.com/rs/zerolog"
)

// StartCommand activates monitoring.
const StartCommand = "start"

// DeliveryError reports a failed or timed out send. Sends are not retried.
type DeliveryError struct {
	Target string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to chat %s failed: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config holds transport settings.
type Config struct {
	Token string
	// Endpoint is a format string taking the token and method; defaults to
	// the public Bot API.
	Endpoint     string
	PollInterval time.Duration
	LogRequests  bool
	// ConnectTimeout bounds the retries of the startup handshake.
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	// SendTimeout is added to PollInterval to bound every HTTP request of
	// the default client.
	SendTimeout time.Duration
	HTTPClient  tgbotapi.HTTPClient
}

// DefaultSendTimeout is the request budget beyond the long-poll wait.
const DefaultSendTimeout = 10 * time.Second

// Client talks to the Bot API.
type Client struct {
	bot    *tgbotapi.BotAPI
	poll   time.Duration
	logger zerolog.Logger
}

// Connect authenticates against the Bot API, retrying transient failures
// with exponential backoff until ConnectTimeout elapses. An invalid token
// fails immediately.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.HTTPClient == nil {
		// Long polls hold the connection for PollInterval.
		cfg.HTTPClient = &http.Client{Timeout: cfg.PollInterval + cfg.SendTimeout}
	}

	logger = logger.With().Str("component", "telegram").Logger()
	if err := tgbotapi.SetLogger(botLogger{logger: logger, requests: cfg.LogRequests}); err != nil {
		return nil, fmt.Errorf("failed to route bot logging: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryInterval
	bo.MaxElapsedTime = cfg.ConnectTimeout

	var bot *tgbotapi.BotAPI
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		b, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, cfg.HTTPClient)
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(err)
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Bot API not reachable, retrying")
			return err
		}
		bot = b
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	bot.Debug = cfg.LogRequests
	logger.Info().
		Str("username", bot.Self.UserName).
		Int("attempts", attempt).
		Bool("log_requests", cfg.LogRequests).
		Msg("Connected to Telegram")

	return &Client{bot: bot, poll: cfg.PollInterval, logger: logger}, nil
}

// Username returns the bot's user name.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// Send delivers text to target. The call returns when ctx is done even if
// the request is still in flight.
func (c *Client) Send(ctx context.Context, target, text string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return &DeliveryError{Target: target, Err: fmt.Errorf("invalid chat id: %w", err)}
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(tgbotapi.NewMessage(chatID, text))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return &DeliveryError{Target: target, Err: err}
		}
		c.logger.Debug().Str("chat_id", target).Msg("Message sent")
		return nil
	case <-ctx.Done():
		return &DeliveryError{Target: target, Err: ctx.Err()}
	}
}

// Activations long-polls for updates and emits one activation per "/start"
// command. The channel closes after ctx is done.
func (c *Client) Activations(ctx context.Context) <-chan schedule.Activation {
	out := make(chan schedule.Activation)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(c.poll / time.Second)
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		defer close(out)
		defer c.bot.StopReceivingUpdates()

		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				a, ok := activationFrom(update)
				if !ok {
					continue
				}
				c.logger.Debug().Str("chat_id", a.Target).Time("sent_at", a.Timestamp).Msg("Received start command")
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	c.logger.Info().Dur("poll_interval", c.poll).Msg("Listening for commands")
	return out
}

func activationFrom(update tgbotapi.Update) (schedule.Activation, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() || msg.Command() != StartCommand {
		return schedule.Activation{}, false
	}
	return schedule.Activation{
		Target:    strconv.FormatInt(msg.Chat.ID, 10),
		Timestamp: msg.Time(),
	}, true
}

// isAuthError reports API errors that retrying cannot fix.
func isAuthError(err error) bool {
	code := 0
	var ptrErr *tgbotapi.Error
	var valErr tgbotapi.Error
	switch {
	case errors.As(err, &ptrErr):
		code = ptrErr.Code
	case errors.As(err, &valErr):
		code = valErr.Code
	}
	return code == http.StatusUnauthorized || code == http.StatusNotFound
}

// botLogger routes the bot library's logging into zerolog. The library only
// calls Printf for its request trace, which is shown at info when requests
// is set.
type botLogger struct {
	logger   zerolog.Logger
	requests bool
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprint(v...))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	level := zerolog.DebugLevel
	if l.requests {
		level = zerolog.InfoLevel
	}
	l.logger.WithLevel(level).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
