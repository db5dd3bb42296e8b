package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/agent"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/appserver"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/command"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/identity"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/s3util"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/sigcontext"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/store"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "hostmanager",
		Usage: "deploy and manage the application on this instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: config.DefaultPath, Usage: "path to the agent settings"},
			&cli.BoolFlag{Name: "debug", Usage: "log at debug level"},
			&cli.StringFlag{Name: "db", Usage: "path to the record database, overriding the settings"},
			&cli.StringFlag{Name: "listen", Usage: "address to serve tasks on, overriding the settings"},
			&cli.StringFlag{Name: "log-file", Usage: "file to write logs to instead of stdout and stderr"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("hostmanager stopped")
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"), c.IsSet("config"))
	if err != nil {
		return err
	}
	if v := c.String("db"); v != "" {
		cfg.Database = v
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("log-file"); v != "" {
		cfg.LogFile = v
	}

	output := logging.Split(os.Stdout, os.Stderr)
	if cfg.LogFile != "" {
		output = logging.File(cfg.LogFile)
	}
	if err := logging.Set(output); err != nil {
		return errors.Wrap(err, "unable to set up logging")
	}
	level := cfg.LogLevel
	if c.Bool("debug") {
		level = "debug"
	}
	_ = logging.Set(logging.Level(level))

	log := logging.New("main")

	// "debuggable" builds at runtime produce extensive logging output compared
	// to release builds with the debug flag enabled.
	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
		delay := 3 * time.Second
		log.WithField("delay", delay).Warn("delaying start due to logging.Debuggable build")
		time.Sleep(delay)
		log.Info("starting logging.Debuggable enabled build")
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), func(sig os.Signal) {
		log.WithField("signal", sig).Info("received signal, stopping")
	}, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := awsSession(ctx, cfg.Region)
	if err != nil {
		return err
	}
	db, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		return errors.WithMessage(err, "unable to open record store")
	}
	defer db.Close()

	s3 := s3util.New(logging.New("s3"), sess)
	a, err := agent.New(logging.New("agent"), cfg, agent.Deps{
		Store:     db,
		Identity:  identity.NewEC2(logging.New("identity"), sess),
		Fetcher:   s3,
		Uploader:  s3,
		AppServer: appserver.NewSystemd(logging.New("appserver"), cfg.AppServer.Unit, cfg.AppServer.Socket, cfg.AppServer.RuntimeDir),
		Runner:    command.New(logging.New("command")),
		Proc:      &command.OSProc{},
	})
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}
	if err := a.Run(ctx); err != nil {
		return errors.WithMessage(err, "run error")
	}
	log.Info("stopped")
	return nil
}

// loadConfig reads the settings at path. A missing file at the default path
// leaves every setting at its default.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return config.Default(), nil
	}
	return config.Load(path)
}

// awsSession creates the session used for S3 and instance metadata. The
// region comes from instance metadata when it is not configured.
func awsSession(ctx context.Context, region string) (*session.Session, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create aws session")
	}
	if region == "" {
		region, err = ec2metadata.New(sess).RegionWithContext(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "unable to determine region")
		}
	}
	return sess.Copy(aws.NewConfig().WithRegion(region)), nil
}
