package relay

type Config struct {
	// SendQueueBytes bounds the frames buffered for a single participant.
	// Frames that would exceed it are dropped for that participant only.
	SendQueueBytes int
}

func DefaultConfig() Config {
	return Config{
		SendQueueBytes: 1 << 20, // 1MiB
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = d.SendQueueBytes
	}
	return c
}
