package observability

// DefaultSentryDSNEnv names an environment variable for a Sentry DSN.
//
// Nothing in this module reads it: mewbased takes its DSN from the
// sentryDSN config key (MEWBASE_SENTRYDSN in the environment), and with
// that key empty Sentry reporting is disabled.
const DefaultSentryDSNEnv = "MEWBASE_SENTRY_DSN"
