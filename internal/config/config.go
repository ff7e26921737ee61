package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
	SummaryTTLSeconds     int
	LockTTLSeconds        int
	Settings              Settings
}

// Settings are the deployment choices the cycle engine reads.
type Settings struct {
	CustomerMustConfirmOrder    bool
	MembershipFee               decimal.Decimal
	MembershipFeeDurationMonths int
	ManageAccounting            bool
	Transport                   decimal.Decimal
	MinTransport                decimal.Decimal
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	summaryTTL, err := strconv.Atoi(getEnv("SUMMARY_TTL_SECONDS", "300"))
	if err != nil || summaryTTL < 1 {
		summaryTTL = 300
	}
	lockTTL, err := strconv.Atoi(getEnv("LOCK_TTL_SECONDS", "60"))
	if err != nil || lockTTL < 1 {
		lockTTL = 60
	}

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		SummaryTTLSeconds:     summaryTTL,
		LockTTLSeconds:        lockTTL,
		Settings:              LoadSettings(),
	}
}

func LoadSettings() Settings {
	duration, err := strconv.Atoi(getEnv("MEMBERSHIP_FEE_DURATION_MONTHS", "0"))
	if err != nil || duration < 0 {
		duration = 0
	}
	return Settings{
		CustomerMustConfirmOrder:    getBool("CUSTOMER_MUST_CONFIRM_ORDER", false),
		MembershipFee:               getDecimal("MEMBERSHIP_FEE"),
		MembershipFeeDurationMonths: duration,
		ManageAccounting:            getBool("MANAGE_ACCOUNTING", true),
		Transport:                   getDecimal("TRANSPORT"),
		MinTransport:                getDecimal("MIN_TRANSPORT"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}

func getDecimal(key string) decimal.Decimal {
	val, err := decimal.NewFromString(getEnv(key, "0"))
	if err != nil || val.IsNegative() {
		return decimal.Zero
	}
	return val
}
