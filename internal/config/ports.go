package config

// Default ports for the ops server and the optional backing services.
// setDefaults references these so a port change lands in exactly one
// place.
const (
	// OpsServerPort is the default port for the read-only ops API,
	// which also serves /metrics and the decision websocket.
	OpsServerPort = 8090

	// PostgresPort is the default port for the trade archive.
	PostgresPort = 5432

	// RedisPort is the default port for the market data cache.
	RedisPort = 6379

	// NATSPort is the default port for the event mirror.
	NATSPort = 4222

	// VaultPort is the default port for HashiCorp Vault.
	VaultPort = 8200
)
