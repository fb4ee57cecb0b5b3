package main

import (
	"context"

	"github.com/viam-modules/motor-hat/dcmotor"
	"github.com/viam-modules/motor-hat/fourwire"
	"github.com/viam-modules/motor-hat/gpioservo"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/servo"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("motor-hat"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	module, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, motor.API, fourwire.Model); err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, motor.API, dcmotor.Model); err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, servo.API, gpioservo.Model); err != nil {
		return err
	}

	err = module.Start(ctx)
	defer module.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
