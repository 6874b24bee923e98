package relay

import (
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8000.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `validate:"dive,required"`
	TLS            struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
	}
	Log struct {
		Level  string `validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
		Format string `validate:"oneof=text json"`
	}
	WS struct {
		// Path is where the websocket endpoint is mounted.
		Path string `validate:"required,startswith=/"`
		// MaxMessageSize caps inbound frames. Media travels base64 encoded
		// inside text frames so it needs to be generous.
		MaxMessageSize int64 `validate:"gt=0"`
		// SendQueueSize bounds each connection's outbound queue.
		SendQueueSize  int           `validate:"gt=0"`
		WriteWait      time.Duration `validate:"gt=0"`
		PongWait       time.Duration `validate:"gt=0"`
		DebounceWindow time.Duration `validate:"gte=0"`
		// ReportErrors answers rejected events with an ERROR envelope.
		ReportErrors bool
	}
	ShutdownTimeout time.Duration `validate:"gt=0"`
	valid           bool
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
