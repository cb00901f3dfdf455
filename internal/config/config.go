// SPDX-License-Identifier: MIT

// Package config loads and persists the daemon's flat KEY=value
// configuration file. Every setting carries an admissible range; the
// admin API mutates settings only through the registry so out-of-range
// values can never be persisted.
package config

import "time"

// Settings holds every tunable of the daemon. Struct tags drive the
// field registry: `cfg` is the file key, `min`/`max` bound numeric
// fields, `oneof` enumerates string fields.
type Settings struct {
	// Turn timing
	TriesPerPlayer      int `cfg:"tries_per_player" min:"1" max:"10"`
	TurnTimeSeconds     int `cfg:"turn_time_seconds" min:"10" max:"600"`
	TryMoveSeconds      int `cfg:"try_move_seconds" min:"5" max:"300"`
	PostDropWaitSeconds int `cfg:"post_drop_wait_seconds" min:"1" max:"60"`
	ReadyPromptSeconds  int `cfg:"ready_prompt_seconds" min:"3" max:"120"`
	GracePeriodSeconds  int `cfg:"queue_grace_period_seconds" min:"0" max:"3600"`

	// Relay pulse/hold
	CoinPulseMS        int    `cfg:"coin_pulse_ms" min:"20" max:"2000"`
	DropPulseMS        int    `cfg:"drop_pulse_ms" min:"20" max:"2000"`
	DropHoldMaxMS      int    `cfg:"drop_hold_max_ms" min:"100" max:"60000"`
	MinInterPulseMS    int    `cfg:"min_inter_pulse_ms" min:"0" max:"10000"`
	DirectionHoldMaxMS int    `cfg:"direction_hold_max_ms" min:"100" max:"120000"`
	CoinEachTry        bool   `cfg:"coin_each_try"`
	CoinSettleDelayMS  int    `cfg:"coin_settle_delay_ms" min:"0" max:"5000"`
	ConflictMode       string `cfg:"direction_conflict_mode" oneof:"ignore_new,replace"`

	// Control channel
	CommandRateLimitHz     int `cfg:"command_rate_limit_hz" min:"1" max:"100"`
	MaxControlConnections  int `cfg:"max_control_connections" min:"1" max:"10000"`
	ControlSendTimeoutMS   int `cfg:"control_send_timeout_ms" min:"100" max:"30000"`
	ControlPingIntervalS   int `cfg:"control_ping_interval_s" min:"1" max:"300"`
	ControlLivenessS       int `cfg:"control_liveness_timeout_s" min:"5" max:"600"`
	ControlAuthTimeoutS    int `cfg:"control_auth_timeout_s" min:"1" max:"60"`
	ControlMaxMessageBytes int `cfg:"control_max_message_bytes" min:"64" max:"65536"`

	// Status fan-out
	MaxStatusViewers        int `cfg:"max_status_viewers" min:"1" max:"100000"`
	StatusSendTimeoutMS     int `cfg:"status_send_timeout_ms" min:"100" max:"30000"`
	StatusKeepaliveInterval int `cfg:"status_keepalive_interval_s" min:"1" max:"300"`

	// GPIO pins (BCM numbering) and driver
	GPIOChip       string `cfg:"gpio_chip"`
	PinCoin        int    `cfg:"pin_coin" min:"0" max:"63"`
	PinNorth       int    `cfg:"pin_north" min:"0" max:"63"`
	PinSouth       int    `cfg:"pin_south" min:"0" max:"63"`
	PinWest        int    `cfg:"pin_west" min:"0" max:"63"`
	PinEast        int    `cfg:"pin_east" min:"0" max:"63"`
	PinDrop        int    `cfg:"pin_drop" min:"0" max:"63"`
	PinWin         int    `cfg:"pin_win" min:"0" max:"63"`
	RelayActiveLow bool   `cfg:"relay_active_low"`
	WinSensor      bool   `cfg:"win_sensor_enabled"`
	MockGPIO       bool   `cfg:"mock_gpio"`

	// GPIO worker timeouts and replacement budget
	GPIOOpTimeoutMS       int `cfg:"gpio_op_timeout_ms" min:"100" max:"30000"`
	GPIOPulseTimeoutMS    int `cfg:"gpio_pulse_timeout_ms" min:"100" max:"60000"`
	GPIOInitTimeoutMS     int `cfg:"gpio_init_timeout_ms" min:"100" max:"120000"`
	MaxWorkerReplacements int `cfg:"max_worker_replacements" min:"1" max:"100"`
	ReplacementWindowS    int `cfg:"worker_replacement_window_s" min:"1" max:"3600"`

	// State machine internals
	GhostPlayerAgeS       int `cfg:"ghost_player_age_s" min:"1" max:"600"`
	EmergencyStopTimeoutS int `cfg:"emergency_stop_timeout_s" min:"1" max:"60"`
	TurnEndStuckTimeoutS  int `cfg:"turn_end_stuck_timeout_s" min:"5" max:"600"`
	QueueCheckIntervalS   int `cfg:"queue_check_interval_s" min:"1" max:"600"`

	// Server
	ListenAddr     string `cfg:"listen_addr"`
	AdminAPIKey    string `cfg:"admin_api_key"`
	TrustedProxies string `cfg:"trusted_proxies"`
	Workers        int    `cfg:"workers" min:"1" max:"64"`

	// Database
	DatabasePath    string `cfg:"database_path"`
	DBBusyTimeoutMS int    `cfg:"db_busy_timeout_ms" min:"100" max:"60000"`
	DBRetentionH    int    `cfg:"db_retention_hours" min:"1" max:"720"`
	DBPruneInterval int    `cfg:"db_prune_interval_s" min:"60" max:"86400"`

	// Admission rate limiting
	RateLimitWindowS   int `cfg:"rate_limit_window_s" min:"60" max:"86400"`
	RateLimitSweepS    int `cfg:"rate_limit_sweep_interval_s" min:"10" max:"86400"`
	RateLimitPruneAgeS int `cfg:"rate_limit_prune_age_s" min:"60" max:"86400"`
	JoinRatePerIP      int `cfg:"join_rate_per_ip" min:"1" max:"10000"`
	JoinRatePerEmail   int `cfg:"join_rate_per_email" min:"1" max:"10000"`
	APIRatePerMinute   int `cfg:"api_rate_per_minute" min:"1" max:"100000"`

	// Misc
	HistoryLimit int    `cfg:"history_limit" min:"1" max:"500"`
	LogLevel     string `cfg:"log_level" oneof:"trace,debug,info,warn,error"`
}

// Default returns the settings used when a key is absent from the file.
func Default() Settings {
	return Settings{
		TriesPerPlayer:      2,
		TurnTimeSeconds:     90,
		TryMoveSeconds:      30,
		PostDropWaitSeconds: 8,
		ReadyPromptSeconds:  15,
		GracePeriodSeconds:  300,

		CoinPulseMS:        150,
		DropPulseMS:        200,
		DropHoldMaxMS:      10000,
		MinInterPulseMS:    500,
		DirectionHoldMaxMS: 30000,
		CoinEachTry:        true,
		CoinSettleDelayMS:  500,
		ConflictMode:       "ignore_new",

		CommandRateLimitHz:     25,
		MaxControlConnections:  100,
		ControlSendTimeoutMS:   2000,
		ControlPingIntervalS:   20,
		ControlLivenessS:       60,
		ControlAuthTimeoutS:    10,
		ControlMaxMessageBytes: 1024,

		MaxStatusViewers:        500,
		StatusSendTimeoutMS:     5000,
		StatusKeepaliveInterval: 30,

		GPIOChip:       "gpiochip0",
		PinCoin:        17,
		PinNorth:       27,
		PinSouth:       5,
		PinWest:        6,
		PinEast:        24,
		PinDrop:        25,
		PinWin:         16,
		RelayActiveLow: true,
		WinSensor:      true,
		MockGPIO:       false,

		GPIOOpTimeoutMS:       2000,
		GPIOPulseTimeoutMS:    5000,
		GPIOInitTimeoutMS:     10000,
		MaxWorkerReplacements: 5,
		ReplacementWindowS:    60,

		GhostPlayerAgeS:       30,
		EmergencyStopTimeoutS: 10,
		TurnEndStuckTimeoutS:  30,
		QueueCheckIntervalS:   10,

		ListenAddr:     ":8000",
		AdminAPIKey:    "changeme",
		TrustedProxies: "",
		Workers:        1,

		DatabasePath:    "./data/claw.db",
		DBBusyTimeoutMS: 5000,
		DBRetentionH:    48,
		DBPruneInterval: 3600,

		RateLimitWindowS:   3600,
		RateLimitSweepS:    600,
		RateLimitPruneAgeS: 3600,
		JoinRatePerIP:      30,
		JoinRatePerEmail:   15,
		APIRatePerMinute:   300,

		HistoryLimit: 20,
		LogLevel:     "info",
	}
}

// Duration helpers so call sites never multiply units inline.

func (s *Settings) TurnTime() time.Duration     { return time.Duration(s.TurnTimeSeconds) * time.Second }
func (s *Settings) TryMoveTime() time.Duration  { return time.Duration(s.TryMoveSeconds) * time.Second }
func (s *Settings) PostDropWait() time.Duration {
	return time.Duration(s.PostDropWaitSeconds) * time.Second
}
func (s *Settings) ReadyPrompt() time.Duration {
	return time.Duration(s.ReadyPromptSeconds) * time.Second
}
func (s *Settings) DropHoldMax() time.Duration {
	return time.Duration(s.DropHoldMaxMS) * time.Millisecond
}
func (s *Settings) DirectionHoldMax() time.Duration {
	return time.Duration(s.DirectionHoldMaxMS) * time.Millisecond
}
func (s *Settings) CoinSettleDelay() time.Duration {
	return time.Duration(s.CoinSettleDelayMS) * time.Millisecond
}
func (s *Settings) ControlSendTimeout() time.Duration {
	return time.Duration(s.ControlSendTimeoutMS) * time.Millisecond
}
func (s *Settings) StatusSendTimeout() time.Duration {
	return time.Duration(s.StatusSendTimeoutMS) * time.Millisecond
}
func (s *Settings) GPIOOpTimeout() time.Duration {
	return time.Duration(s.GPIOOpTimeoutMS) * time.Millisecond
}
func (s *Settings) GPIOPulseTimeout() time.Duration {
	return time.Duration(s.GPIOPulseTimeoutMS) * time.Millisecond
}
func (s *Settings) GPIOInitTimeout() time.Duration {
	return time.Duration(s.GPIOInitTimeoutMS) * time.Millisecond
}
func (s *Settings) EmergencyStopTimeout() time.Duration {
	return time.Duration(s.EmergencyStopTimeoutS) * time.Second
}
func (s *Settings) GhostPlayerAge() time.Duration {
	return time.Duration(s.GhostPlayerAgeS) * time.Second
}
func (s *Settings) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSeconds) * time.Second
}
