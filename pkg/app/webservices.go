package app

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
	"hcsgate/pkg/programmer"
)

// runWebServer starts the applications web server and listens for web requests.
//
//	It's designed to run in a separate go function to not block the main go function.
//	e.g.: go runWebServer()
//	See app.Run()
func (app *App) runWebServer() {
	err := app.web.Listen(app.urlParsed.Host)
	debug.ErrorLog.Print(err)
}

// HandleDevices lists the devices of the table given by the query parameter
// table, the table of the operating mode by default.
func (app *App) HandleDevices() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request devices")

		t, err := app.table(ctx.Query("table"))
		if err != nil {
			return sendError(ctx, err)
		}

		list, err := listDevices(t)
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.JSON(list)
	}
}

// HandleLog lists the logged frames, of one remote if the query parameter
// serial is set.
func (app *App) HandleLog() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request log")

		serial := eedb.Any
		if s := ctx.Query("serial"); s != "" {
			v, err := parseSerial(s)
			if err != nil {
				return sendError(ctx, err)
			}
			serial = v
		}

		list, err := app.listLogs(serial)
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.JSON(list)
	}
}

// HandleEnroll waits for two transmissions of a remote and enrolls it.
func (app *App) HandleEnroll() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request enroll")

		c, cancel := context.WithTimeout(ctx.UserContext(), sessionTimeout)
		defer cancel()

		d, err := app.Enroll(c)
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.Status(fiber.StatusCreated).JSON(d)
	}
}

// HandleRemove waits for a transmission and removes the remote.
func (app *App) HandleRemove() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request remove")

		c, cancel := context.WithTimeout(ctx.UserContext(), sessionTimeout)
		defer cancel()

		serial, err := app.Remove(c)
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.JSON(fiber.Map{"serial": serial})
	}
}

// HandleClear clears the tables of the operating mode.
func (app *App) HandleClear() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request clear")

		if err := app.Clear(); err != nil {
			return sendError(ctx, err)
		}
		return ctx.SendStatus(fiber.StatusNoContent)
	}
}

// HandleProgram programs the encoder connected to the programmer.
func (app *App) HandleProgram() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request program")

		enc, err := hcs.ParseEncoder(ctx.Params("encoder"))
		if err != nil {
			return sendError(ctx, errors.Join(ErrUnsupported, err))
		}

		d, err := app.Program(ctx.UserContext(), enc)
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.Status(fiber.StatusCreated).JSON(d)
	}
}

// HandleTransmit transmits the next frame of a stored remote. The query
// parameter buttons selects the pressed buttons.
func (app *App) HandleTransmit() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request transmit")

		serial, err := parseSerial(ctx.Params("serial"))
		if err != nil {
			return sendError(ctx, err)
		}

		d, err := app.Transmit(ctx.UserContext(), serial, uint8(ctx.QueryInt("buttons", 0)&0x0F))
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.JSON(d)
	}
}

var errBadRequest = errors.New("bad request")

func parseSerial(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v == 0 {
		return 0, errors.Join(errBadRequest, err)
	}
	return uint32(v), nil
}

// sendError answers with the status matching err.
func sendError(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, errBadRequest):
		code = fiber.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusRequestTimeout
	case errors.Is(err, eedb.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, ErrExists), errors.Is(err, eedb.ErrFull):
		code = fiber.StatusConflict
	case errors.Is(err, ErrNoMatch), errors.Is(err, ErrUnsupported),
		errors.Is(err, hcs.ErrChecksum), errors.Is(err, hcs.ErrBitCount):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, programmer.ErrVerify):
		code = fiber.StatusBadGateway
	}

	debug.ErrorLog.Printf("web request failed (%d): %v", code, err)
	return ctx.Status(code).JSON(fiber.Map{"error": err.Error()})
}
