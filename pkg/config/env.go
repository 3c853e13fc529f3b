package config

const (
	EnvPrefix = "CONTRATAPRO"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "CONTRATAPRO_APP_ENV"
	EnvPort     = "CONTRATAPRO_APP_PORT"
	EnvLogLevel = "CONTRATAPRO_LOG_LEVEL"

	EnvDBDSN  = "CONTRATAPRO_DB_DSN"
	EnvDBHost = "CONTRATAPRO_DB_HOST"
	EnvDBUser = "CONTRATAPRO_DB_USER"
	EnvDBName = "CONTRATAPRO_DB_NAME"

	EnvRedisURL = "CONTRATAPRO_REDIS_URL"

	EnvResolverTimezone     = "CONTRATAPRO_RESOLVER_TIMEZONE"
	EnvResolverTriggerToken = "CONTRATAPRO_RESOLVER_TRIGGER_TOKEN"

	EnvSquarePlanVariations = "CONTRATAPRO_SQUARE_PLAN_VARIATIONS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
