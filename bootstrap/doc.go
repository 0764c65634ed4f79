// Package bootstrap wires the threatwatch components together and owns
// their lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	app.WaitForShutdown()
package bootstrap
