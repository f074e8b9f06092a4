package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/locking"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultTimezone is used to render and parse meeting times
	DefaultTimezone = "America/Sao_Paulo"
	// DefaultReminderSchedule polls due reminders every minute
	DefaultReminderSchedule = "* * * * *"
	// DefaultFollowUpSchedule polls due follow-ups every five minutes
	DefaultFollowUpSchedule = "*/5 * * * *"
)

// Messaging providers selectable through MESSAGING_PROVIDER.
const (
	ProviderZAPI     = "zapi"
	ProviderTwilio   = "twilio"
	ProviderWhatsApp = "whatsapp"
)

func main() {
	initializeLogger(os.Getenv("LEADPIPE_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping LeadPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"provider", *flags.provider,
		"timezone", *flags.timezone)
	if err := run(ctx, flags); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	APIAddr           string
	OpenAIKey         string
	OpenAIModel       string
	GenAIDebug        bool
	CalendarLink      string
	MessagingProvider string
	ZAPIInstance      string
	ZAPIToken         string
	ZAPIClientToken   string
	ZAPIBaseURL       string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	WhatsAppDSN       string
	RedisAddress      string
	ReminderSchedule  string
	FollowUpSchedule  string
	Timezone          string
	LogLevel          string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	dbDSN            *string
	apiAddr          *string
	openaiKey        *string
	openaiModel      *string
	genaiDebug       *bool
	calendarLink     *string
	provider         *string
	whatsappDSN      *string
	redisAddr        *string
	reminderSchedule *string
	followUpSchedule *string
	timezone         *string

	// Provider credentials are taken from the environment only.
	zapiInstance    string
	zapiToken       string
	zapiClientToken string
	zapiBaseURL     string
	twilioSID       string
	twilioToken     string
	twilioFrom      string
}

// initializeLogger sets up structured logging at the given level (debug by default)
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// lookupEnvDefault is like util.GetEnvDefault but keeps an explicitly empty value, so
// that a schedule can be switched off with REMINDER_SCHEDULE="".
func lookupEnvDefault(key, defaultValue string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultValue
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("LEADPIPE_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       util.GetEnvDefault("OPENAI_MODEL", genai.DefaultModel),
		GenAIDebug:        util.ParseBoolEnv("LEADPIPE_GENAI_DEBUG", false),
		CalendarLink:      util.GetEnvDefault("CALENDAR_LINK", flow.DefaultCalendarLink),
		MessagingProvider: strings.ToLower(util.GetEnvDefault("MESSAGING_PROVIDER", ProviderZAPI)),
		ZAPIInstance:      os.Getenv("ZAPI_INSTANCE"),
		ZAPIToken:         os.Getenv("ZAPI_TOKEN"),
		ZAPIClientToken:   os.Getenv("ZAPI_CLIENT_TOKEN"),
		ZAPIBaseURL:       util.GetEnvDefault("ZAPI_BASE_URL", messaging.DefaultZAPIBaseURL),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddress:      os.Getenv("REDIS_ADDRESS"),
		ReminderSchedule:  lookupEnvDefault("REMINDER_SCHEDULE", DefaultReminderSchedule),
		FollowUpSchedule:  lookupEnvDefault("FOLLOWUP_SCHEDULE", DefaultFollowUpSchedule),
		Timezone:          util.GetEnvDefault("LEADPIPE_TIMEZONE", DefaultTimezone),
		LogLevel:          os.Getenv("LEADPIPE_LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEADPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("LEADPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	// The whatsmeow device store shares a Postgres database but never the app's SQLite file
	if config.WhatsAppDSN == "" {
		if store.DetectDSNType(config.DatabaseURL) == "postgres" {
			config.WhatsAppDSN = config.DatabaseURL
		} else {
			config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		}
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"CALENDAR_LINK", config.CalendarLink,
		"MESSAGING_PROVIDER", config.MessagingProvider,
		"ZAPI_INSTANCE_SET", config.ZAPIInstance != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"REDIS_ADDRESS", config.RedisAddress,
		"REMINDER_SCHEDULE", config.ReminderSchedule,
		"FOLLOWUP_SCHEDULE", config.FollowUpSchedule,
		"LEADPIPE_TIMEZONE", config.Timezone)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := newFlags(flag.CommandLine, config)
	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"provider", *flags.provider,
		"reminderSchedule", *flags.reminderSchedule,
		"followUpSchedule", *flags.followUpSchedule)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		if *flags.whatsappDSN == filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) {
			*flags.whatsappDSN = filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName)
		}
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// newFlags registers every flag on fs with the environment values as defaults.
func newFlags(fs *flag.FlagSet, config Config) Flags {
	return Flags{
		qrOutput:         fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:          fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)"),
		dbDSN:            fs.String("db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN for the lead store (overrides $DATABASE_URL)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genaiDebug:       fs.Bool("genai-debug", config.GenAIDebug, "write every completion request to the state directory (overrides $LEADPIPE_GENAI_DEBUG)"),
		calendarLink:     fs.String("calendar-link", config.CalendarLink, "booking link sent to leads (overrides $CALENDAR_LINK)"),
		provider:         fs.String("messaging-provider", config.MessagingProvider, "zapi, twilio or whatsapp (overrides $MESSAGING_PROVIDER)"),
		whatsappDSN:      fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		redisAddr:        fs.String("redis-address", config.RedisAddress, "Redis address for cross-instance dispatch locks (overrides $REDIS_ADDRESS)"),
		reminderSchedule: fs.String("reminder-schedule", config.ReminderSchedule, "cron expression for reminder dispatch, empty disables (overrides $REMINDER_SCHEDULE)"),
		followUpSchedule: fs.String("followup-schedule", config.FollowUpSchedule, "cron expression for follow-up dispatch, empty disables (overrides $FOLLOWUP_SCHEDULE)"),
		timezone:         fs.String("timezone", config.Timezone, "IANA time zone for meeting dates (overrides $LEADPIPE_TIMEZONE)"),

		zapiInstance:    config.ZAPIInstance,
		zapiToken:       config.ZAPIToken,
		zapiClientToken: config.ZAPIClientToken,
		zapiBaseURL:     config.ZAPIBaseURL,
		twilioSID:       config.TwilioAccountSID,
		twilioToken:     config.TwilioAuthToken,
		twilioFrom:      config.TwilioFromNumber,
	}
}

// isFileBacked reports whether the lead store lives in a local SQLite file.
func isFileBacked(dsn string) bool {
	return dsn != "" && store.DetectDSNType(dsn) != "postgres"
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, store.DefaultDirPermissions); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if isFileBacked(*flags.dbDSN) {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "dir", dbDir)
		if err := os.MkdirAll(dbDir, store.DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dbDir)
			return err
		}
	}
	return nil
}

// run wires every module and blocks until ctx is cancelled or the API server fails.
func run(ctx context.Context, flags Flags) error {
	if isFileBacked(*flags.dbDSN) {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	svc, twilioHook, err := buildMessagingService(ctx, flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer svc.Stop()

	metrics := flow.NewMetrics(prometheus.DefaultRegisterer)
	flowOpts, err := buildFlowOptions(ctx, flags, metrics)
	if err != nil {
		return err
	}
	reminders := flow.NewReminderService(st, svc, flowOpts...)
	followUps := flow.NewFollowUpService(st, svc, flowOpts...)
	responder := flow.NewResponder(gen, *flags.calendarLink, metrics)
	router := flow.NewRouter(st, svc, responder, reminders, followUps, flowOpts...)

	messaging.NewResponseHandler(svc, router.Process).Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleDispatchers(sched, flags, reminders, followUps); err != nil {
		return err
	}

	srv := api.NewServer(router, reminders, followUps, buildAPIOptions(flags, twilioHook)...)
	return srv.Run(ctx)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildZAPIOptions constructs Z-API configuration options
func buildZAPIOptions(flags Flags) []messaging.ZAPIOption {
	zapiOpts := []messaging.ZAPIOption{messaging.WithZAPIInstance(flags.zapiInstance, flags.zapiToken)}
	if flags.zapiBaseURL != "" {
		zapiOpts = append(zapiOpts, messaging.WithZAPIBaseURL(flags.zapiBaseURL))
	}
	if flags.zapiClientToken != "" {
		zapiOpts = append(zapiOpts, messaging.WithZAPIClientToken(flags.zapiClientToken))
	}
	return zapiOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var twOpts []twiliowhatsapp.Option
	if flags.twilioSID != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(flags.twilioSID))
	}
	if flags.twilioToken != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(flags.twilioToken))
	}
	if flags.twilioFrom != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(flags.twilioFrom))
	}
	return twOpts
}

// buildMessagingService creates the configured provider. The Twilio provider also
// returns the handler that receives its inbound webhook.
func buildMessagingService(ctx context.Context, flags Flags) (messaging.Service, http.HandlerFunc, error) {
	switch *flags.provider {
	case ProviderZAPI, "":
		svc, err := messaging.NewZAPIService(buildZAPIOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Z-API service: %w", err)
		}
		slog.Info("Using Z-API messaging provider")
		return svc, nil, nil
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		slog.Info("Using Twilio messaging provider")
		return svc, svc.TwilioWebhookHandler, nil
	case ProviderWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		slog.Info("Using WhatsApp Web messaging provider")
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider %q", *flags.provider)
	}
}

// buildFlowOptions constructs the options shared by the router and both dispatchers.
func buildFlowOptions(ctx context.Context, flags Flags, metrics *flow.Metrics) ([]flow.Option, error) {
	flowOpts := []flow.Option{
		flow.WithCalendarLink(*flags.calendarLink),
		flow.WithLocation(util.LoadLocation(*flags.timezone)),
		flow.WithMetrics(metrics),
	}
	if *flags.redisAddr != "" {
		rdb, err := locking.DialRedis(ctx, *flags.redisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		slog.Info("Using Redis dispatch locks", "addr", *flags.redisAddr)
		flowOpts = append(flowOpts, flow.WithTickLocker(locking.NewRedisTickLocker(rdb)))
	}
	return flowOpts, nil
}

// scheduleDispatchers registers the in-process polling jobs; an empty schedule leaves
// dispatch to the HTTP endpoints.
func scheduleDispatchers(sched *scheduler.Scheduler, flags Flags, reminders *flow.ReminderService, followUps *flow.FollowUpService) error {
	jobs := []struct {
		name string
		expr string
		run  func(context.Context) (flow.DispatchResult, error)
	}{
		{"reminders", *flags.reminderSchedule, reminders.Dispatch},
		{"followups", *flags.followUpSchedule, followUps.Dispatch},
	}
	for _, job := range jobs {
		if job.expr == "" {
			slog.Info("In-process dispatch disabled", "job", job.name)
			continue
		}
		dispatch := job.run
		name := job.name
		err := sched.AddJob(name, job.expr, func(ctx context.Context) {
			res, err := dispatch(ctx)
			if err != nil {
				slog.Error("Scheduled dispatch failed", "job", name, "error", err)
				return
			}
			slog.Debug("Scheduled dispatch finished", "job", name, "processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed, "pending", res.Pending)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s dispatch: %w", name, err)
		}
	}
	return nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, twilioHook http.HandlerFunc) []api.Option {
	apiOpts := []api.Option{
		api.WithGatherer(prometheus.DefaultGatherer),
		api.WithLocation(util.LoadLocation(*flags.timezone)),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioHook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioHook))
	}
	return apiOpts
}
