package app

import (
	"context"
	"crypto/rand"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
	"hcsgate/pkg/app/config"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
	"hcsgate/pkg/mqtt"
	"hcsgate/pkg/raspberry"
	"hcsgate/pkg/receiver"
)

// radio is the receiving side of the RF channel.
type radio interface {
	Start()
	Stop()
	Ready() (hcs.RawSignal, bool)
	Flush()
	Activity() receiver.Activity
	HeaderLength() time.Duration
	TimingElement() time.Duration
}

// sender transmits frames.
type sender interface {
	Tx(ctx context.Context, sig hcs.RawSignal, te time.Duration, preamble int, header, guard time.Duration) error
}

// chipProgrammer writes the EEPROM of an encoder.
type chipProgrammer interface {
	Program(ctx context.Context, stream []byte, bits int, verify bool) error
}

// output is a relay output S0..S3.
type output interface {
	Set(high bool)
}

// App is the main application struct.
// App is where the application is wired up.
type App struct {
	// web is the fiber web framework instance
	web *fiber.App

	// config is the application configuration
	config *config.Config

	// urlParsed contains the parsed Config.Url parameter
	// and makes it easier to get params out of e.g.
	// url: https://0.0.0.0:7844/?minTls=1.2&bodyLimit=50MB
	urlParsed *url.URL

	// mqtt is the handler to the mqtt broker
	mqtt *mqtt.Handler

	metrics *metrics

	// hardware, see raspi.go
	chip     *raspberry.Chip
	rxLine   *raspberry.InputLine
	receiver *receiver.Receiver

	rx      radio
	tx      sender
	prog    chipProgrammer
	outputs []output

	// store
	db         *eedb.DB
	devices    *eedb.Table
	mitm       *eedb.Table
	logDevices *eedb.Table
	logs       *eedb.Table

	// session is held by the key service and by RF sessions
	// (enroll, remove, program, transmit) so they don't steal each other's frames.
	session sync.Mutex
	key     pressed

	sleep func(time.Duration)
	rand  io.Reader

	wg sync.WaitGroup

	// shutdown signals application shutdown
	shutdown chan struct{}
}

// New checks the Web server URL and initialize the main app structure
func New(config *config.Config) (*App, error) {
	u, err := url.Parse(config.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", config.Webserver.URL, err.Error())
		return &App{}, err
	}

	return &App{
		config:    config,
		urlParsed: u,

		web:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		mqtt:    mqtt.New(),
		metrics: newMetrics(),

		sleep: time.Sleep,
		rand:  rand.Reader,

		shutdown: make(chan struct{}),
	}, err
}

// Run starts the application.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	go app.mqtt.Service()
	go app.runWebServer()

	app.rx.Start()

	app.wg.Add(1)
	go app.service()

	debug.InfoLog.Printf("running in %s mode", app.config.Mode)
	return nil
}

// init initializes the application.
func (app *App) init() (err error) {
	if err = app.initStore(app.config.Database); err != nil {
		debug.ErrorLog.Printf("can't open database: %v", err)
		return err
	}

	if err = app.initHardware(); err != nil {
		debug.ErrorLog.Printf("can't open gpio: %v", err)
		return err
	}

	if err = app.mqtt.Connect(app.config.MQTT.Connection, app.config.MQTT.ClientID); err != nil {
		debug.ErrorLog.Printf("can't open mqtt broker %v", err)
		return err
	}

	// initDefaultRoutes should be always called last because it may access things like app.devices
	// which must be initialized before
	app.initDefaultRoutes()

	return nil
}

// Close stops the services and releases the hardware and the database.
func (app *App) Close() error {
	if app.shutdown != nil {
		close(app.shutdown)
		app.wg.Wait()
	}

	if app.web != nil {
		_ = app.web.Shutdown()
	}

	if app.mqtt != nil {
		_ = app.mqtt.Close()
	}

	app.closeHardware()

	if app.db != nil {
		return app.db.Close()
	}
	return nil
}
