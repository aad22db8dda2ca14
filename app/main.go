package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	log "github.com/go-pkgz/lgr"
	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/umputun/feed-engine/app/api"
	"github.com/umputun/feed-engine/app/feed"
	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/proc"
	"github.com/umputun/feed-engine/app/store"
)

type options struct {
	Store string `long:"store" env:"FE_STORE" default:"bolt" choice:"bolt" choice:"sqlite" choice:"postgres" description:"storage type"`
	DB    string `short:"c" long:"db" env:"FE_DB" default:"var/feed-engine.bdb" description:"bolt/sqlite file or postgres dsn"`
	Conf  string `short:"f" long:"conf" env:"FE_CONF" default:"feed-engine.yml" description:"config file (yml)"`
	Redis string `long:"redis" env:"FE_REDIS" description:"redis address, overrides config and enables redis cache"`

	Port       int     `short:"p" long:"port" env:"FE_PORT" default:"8080" description:"rest server port"`
	AuthHeader string  `long:"auth-header" env:"FE_AUTH_HEADER" default:"X-Auth-User" description:"header with authenticated username"`
	WriteLimit float64 `long:"write-limit" env:"FE_WRITE_LIMIT" default:"10" description:"max write requests per second per client"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("feed-engine %s\n", revision)
	_ = godotenv.Load() // optional .env with FE_* variables

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	conf, err := loadConfig(opts.Conf)
	if err != nil {
		log.Fatalf("[ERROR] can't load config %s, %v", opts.Conf, err)
	}
	if opts.Redis != "" {
		conf.Cache.Type, conf.Cache.Redis = "redis", opts.Redis
	}
	conf.SetDefaults()

	engine, err := makeStore(opts.Store, opts.DB)
	if err != nil {
		log.Fatalf("[ERROR] can't open %s store %s, %v", opts.Store, opts.DB, err)
	}
	closers := []io.Closer{engine}

	if err = seedGroups(engine, conf.Groups); err != nil {
		log.Fatalf("[ERROR] can't seed groups, %v", err)
	}

	backend, closer, err := makeCacheBackend(conf)
	if err != nil {
		log.Fatalf("[ERROR] can't make %s cache, %v", conf.Cache.Type, err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	resolver := feed.NewResolver(engine)
	cache := feed.NewCache(resolver, backend, conf.Cache.MaxPages)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	warmer := &proc.Warmer{Conf: conf, Cache: cache}
	go warmer.Do(ctx)

	server := api.Server{
		Version:    revision,
		Conf:       conf,
		Store:      engine,
		Resolver:   resolver,
		Cache:      cache,
		AuthHeader: opts.AuthHeader,
		WriteLimit: opts.WriteLimit,
	}
	if err = server.Run(ctx, opts.Port); err != nil {
		log.Printf("[ERROR] %v", err)
	}

	if err = closeAll(closers); err != nil {
		log.Printf("[WARN] close failed, %v", err)
	}
	log.Printf("[INFO] feed-engine terminated")
}

func makeStore(kind, db string) (store.Engine, error) {
	switch kind {
	case "bolt":
		return store.NewBoltDB(db)
	case "sqlite":
		return store.NewSQL(store.DriverSQLite, db)
	case "postgres":
		return store.NewSQL(store.DriverPostgres, db)
	}
	return nil, errors.Errorf("unknown store %q", kind)
}

func makeCacheBackend(conf *proc.Conf) (feed.Backend, io.Closer, error) {
	switch conf.Cache.Type {
	case "mem":
		backend, err := feed.NewMemBackend(conf.Cache.MaxPages)
		if err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: conf.Cache.Redis})
		backend, err := feed.NewRedisBackend(client, conf.Cache.Prefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Printf("[INFO] redis feed cache %s", conf.Cache.Redis)
		return backend, client, nil
	}
	return nil, nil, errors.Errorf("unknown cache type %q", conf.Cache.Type)
}

// seedGroups creates groups listed in config, existing ones left intact
func seedGroups(engine store.Groups, groups map[string]proc.Group) error {
	for slug, g := range groups {
		err := engine.CreateGroup(models.Group{Slug: slug, Title: g.Title, Description: g.Description})
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			return errors.Wrapf(err, "group %s", slug)
		}
	}
	return nil
}

func closeAll(closers []io.Closer) error {
	var errs *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// loadConfig reads yml config, missing file gives empty config
func loadConfig(fname string) (res *proc.Conf, err error) {
	res = &proc.Conf{}
	data, err := ioutil.ReadFile(fname) // nolint
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[INFO] no config %s, defaults used", fname)
			return res, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}

	return res, nil
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
