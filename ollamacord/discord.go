package ollamacord

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
)

const (
	// discordSelfUserID refers to the bot's own user in reaction removals
	discordSelfUserID = "@me"

	discordNetworkTestTimeout = 15 * time.Second
)

// Discord manages the bot's discord session and gateway event handlers
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	// used by the network test
	restClient *resty.Client
	resolver   hostResolver

	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	metricMessagesHandled atomic.Int64
	connected             atomic.Bool

	discordgoRemoveHandlerFuncs []func()

	// userID is the bot's own user ID, set when the gateway is ready
	userID string
	mu     sync.RWMutex

	o *Ollamacord
}

func newDiscord(config *DiscordConfig) *Discord {
	httpClient := config.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		resolver:                    net.DefaultResolver,
		restClient: resty.NewWithClient(httpClient).
			SetBaseURL(strings.TrimRight(config.APIBaseURL, "/")).
			SetTimeout(discordNetworkTestTimeout),
	}
}

// newSession creates a discordgo session for the configured bot token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// UserID returns the bot's discord user ID, once known
func (d *Discord) UserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userID
}

func (d *Discord) setUserID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userID = id
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.setUserID(r.User.ID)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
			slog.Group("user", "id", d.UserID()),
		)
	}
}

func (d *Discord) handlerConnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.InfoContext(ctx, "connected", "session_id", sessionID)

		if d.config.NetworkTest {
			if err := d.networkTest(ctx); err != nil {
				d.logger.ErrorContext(ctx, "network test failed", tint.Err(err))
			}
		}

		if d.config.StartupMessage != "" && d.config.NotificationChannelID != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.ErrorContext(ctx, "unable to send startup message", tint.Err(err))
			} else {
				d.logger.InfoContext(ctx, "sent startup message")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Warn("disconnected", "session_id", sessionID)
	}
}

// networkTest resolves the discord API host, then makes an authenticated
// request for the bot's own user, logging the response status
func (d *Discord) networkTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, discordNetworkTestTimeout)
	defer cancel()

	u, err := url.Parse(d.config.APIBaseURL)
	if err != nil {
		return fmt.Errorf("invalid discord api url: %w", err)
	}
	host := u.Hostname()

	d.logger.InfoContext(ctx, "testing DNS resolution", "host", host)
	dnsStart := time.Now()
	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("error resolving %s: %w", host, err)
	}
	d.logger.InfoContext(
		ctx,
		"resolved discord host",
		"host", host,
		"addrs", addrs,
		"duration", time.Since(dnsStart),
	)

	d.logger.InfoContext(ctx, "testing HTTP connection to discord")
	resp, err := d.restClient.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bot "+d.config.Token).
		Get("/users/" + discordSelfUserID)
	if err != nil {
		return fmt.Errorf("error connecting to discord api: %w", err)
	}
	d.logger.InfoContext(
		ctx,
		"discord API response",
		"status", resp.StatusCode(),
		"duration", resp.Time(),
	)
	return nil
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// DiscordSessionHandler defines the methods of [discordgo.Session] used
// by the bot, so they can be replaced in tests
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionRemove removes userID's reaction. Use
	// discordSelfUserID for the bot's own reactions.
	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session]
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	} else {
		d.logger.Debug("sent message reply", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEdit(channelID, messageID, content, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(channelID, messageID, emojiID, userID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageAuthor returns the author of m, checking the member if the
// author isn't set
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}
