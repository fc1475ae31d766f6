package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"userkeeper/internal/cli"
	"userkeeper/internal/config"
	"userkeeper/internal/logging"
	"userkeeper/internal/password"
	"userkeeper/internal/repository"
	"userkeeper/internal/repository/mongodb"
	"userkeeper/internal/repository/sqlite"
	"userkeeper/internal/service"
	"userkeeper/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return cli.ExitFailure
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return cli.ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("open repository: %v", err)
		return cli.ExitUnavailable
	}
	defer closeRepo()

	if err := users.Init(ctx); err != nil {
		logger.Errorf("init user repository: %v", err)
		return cli.ExitUnavailable
	}

	photos, err := buildPhotoStore(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("setup storage: %v", err)
		return cli.ExitUnavailable
	}

	userService := service.NewUserService(users, password.NewBcrypt(cfg.Hashing.Cost), photos, logger)
	app := cli.NewApp(userService, os.Stdout, time.Duration(cfg.Storage.URLExpiryMinutes)*time.Minute)

	if err := app.Run(ctx, os.Args[1:]); err != nil {
		code := cli.ExitCode(err)
		logger.WithField("exit_code", code).Error(err)
		return code
	}
	return cli.ExitOK
}

func openRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (repository.UserRepository, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		client, err := mongodb.Open(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		logger.Debugf("using mongo database %s", cfg.Mongo.Database)
		closeFn := func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(shutdownCtx); err != nil {
				logger.Warnf("mongo disconnect: %v", err)
			}
		}
		return mongodb.NewUserRepository(client.Database(cfg.Mongo.Database)), closeFn, nil
	default:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Debugf("using sqlite database %s", cfg.Database.Path)
		closeFn := func() {
			if err := db.Close(); err != nil {
				logger.Warnf("sqlite close: %v", err)
			}
		}
		return sqlite.NewUserRepository(db), closeFn, nil
	}
}

func buildPhotoStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (service.PhotoStore, error) {
	photos := service.PhotoStore{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
	}
	if cfg.Storage.Bucket == "" {
		logger.Debug("photo storage disabled: no bucket configured")
		return photos, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return photos, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Debugf("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	photos.Service = storage.NewS3Service(client)
	return photos, nil
}
