package config

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validate checks the bounds the connection manager relies on.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&c.Database.Name, validation.Required),
		validation.Field(&c.Database.ValkeyAddress, validation.When(c.Database.ValkeyEnabled, validation.Required)),
	); err != nil {
		return err
	}

	if err := validation.ValidateStruct(&c.Paths,
		validation.Field(&c.Paths.Sessions, validation.Required),
		validation.Field(&c.Paths.MediaCache, validation.Required),
	); err != nil {
		return err
	}

	if err := validation.ValidateStruct(&c.Connection,
		validation.Field(&c.Connection.ConnectTimeout, validation.Required, validation.Min(0)),
		validation.Field(&c.Connection.QRTimeout, validation.Required),
	); err != nil {
		return err
	}

	if err := validation.ValidateStruct(&c.Reconnect,
		validation.Field(&c.Reconnect.BaseDelay, validation.Required),
		validation.Field(&c.Reconnect.MaxDelay, validation.Required),
		validation.Field(&c.Reconnect.Multiplier, validation.Required, validation.Min(1.0)),
		validation.Field(&c.Reconnect.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Reconnect.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Reconnect.GlobalConnectLimit, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.Reconnect.TenantConnectLimit, validation.Required, validation.Min(int64(1))),
	); err != nil {
		return err
	}

	if err := validation.ValidateStruct(&c.Session,
		validation.Field(&c.Session.MaxBackupsPerConnection, validation.Required, validation.Min(1)),
		validation.Field(&c.Session.MaxBackupBytes, validation.Required, validation.Min(int64(1))),
	); err != nil {
		return err
	}

	return validation.ValidateStruct(&c.Send,
		validation.Field(&c.Send.WordsPerMinute, validation.Required, validation.Min(1.0)),
		validation.Field(&c.Send.MaxDelay, validation.Required, validation.Min(c.Send.MinDelay)),
		validation.Field(&c.Send.RandomFactor, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Send.MaxChunkLength, validation.Required, validation.Min(1)),
	)
}
