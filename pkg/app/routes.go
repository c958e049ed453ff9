package app

// initDefaultRoutes initializes the applications default routes.
//
//	These are the routes which always are the same in every application.
//	Things like user api, version, ...
func (app *App) initDefaultRoutes() {
	api := app.web.Group("/")
	if app.config.Webserver.Webservices["version"] {
		api.Get("/version", app.HandleVersion())
	}
	if app.config.Webserver.Webservices["health"] {
		api.Get("/health", app.HandleHealth())
	}
	if app.config.Webserver.Webservices["metrics"] {
		api.Get("/metrics", app.HandleMetrics())
	}
	if app.config.Webserver.Webservices["devices"] {
		api.Get("/devices", app.HandleDevices())
	}
	if app.config.Webserver.Webservices["log"] {
		api.Get("/log", app.HandleLog())
	}
	if app.config.Webserver.Webservices["enroll"] {
		api.Post("/enroll", app.HandleEnroll())
		api.Post("/remove", app.HandleRemove())
		api.Delete("/devices", app.HandleClear())
		api.Post("/transmit/:serial", app.HandleTransmit())
	}
	if app.config.Webserver.Webservices["program"] {
		api.Post("/program/:encoder", app.HandleProgram())
	}
}
