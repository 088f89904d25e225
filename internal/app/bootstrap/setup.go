package bootstrap

import (
	"context"
	"net"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipgate/internal/blacklist"
	"ipgate/internal/config"
	"ipgate/internal/database"
	"ipgate/internal/geolite"
	"ipgate/internal/invalidation"
	"ipgate/internal/jobs/janitor"
	jobruntime "ipgate/internal/jobs/runtime"
	"ipgate/internal/restriction"
	"ipgate/internal/session"
	"ipgate/internal/vpn"
)

type Options struct {
	// Redis is optional. Without it settings, invalidations and the GeoLite
	// leader lock stay local to this instance.
	Redis     *redis.Client
	DBOptions []database.Option
}

// Gate holds the wired components of one running instance.
type Gate struct {
	Engine   *restriction.Engine
	Detector *vpn.Detector
	Sessions *session.Registry
	Janitor  *janitor.Janitor
	Bus      *invalidation.Bus
	ASN      *geolite.ASNReader
	Feeds    *blacklist.Manager
}

// Setup loads settings, opens the account store, builds the engines and
// starts the background routines. The routines stop when ctx is done.
func Setup(ctx context.Context, opts Options) (*Gate, error) {
	config.ReadSettings()
	if opts.Redis != nil {
		config.EnableRedisSynchronization(ctx, opts.Redis)
	}

	if _, err := database.SetupDB(opts.DBOptions...); err != nil {
		return nil, err
	}

	gate := &Gate{
		Sessions: session.NewRegistry(),
		Feeds:    blacklist.New(nil),
	}

	detectorOpts := vpn.Options{
		Settings: config.GetVpn,
		Resolver: vpn.NetResolver{Resolver: net.DefaultResolver},
		Feeds:    gate.Feeds,
	}
	if path := strings.TrimSpace(config.GetVpn().ASNDatabasePath); path != "" {
		gate.ASN = geolite.NewASNReader(path)
		if err := gate.ASN.Reload(); err != nil {
			log.Warn("ASN database not loaded, hosting network rule inactive until the next update", "path", path, "error", err)
		}
		detectorOpts.ASN = gate.ASN
	}
	gate.Detector = vpn.New(detectorOpts)

	gate.Engine = restriction.New(restriction.Options{
		Store:    database.AccountStore{},
		Sessions: gate.Sessions,
		Vpn:      gate.Detector,
		Settings: config.GetRestrictions,
	})

	gate.Janitor = janitor.New(
		janitor.Target{Name: "restriction", Sweeper: gate.Engine},
		janitor.Target{Name: "vpn", Sweeper: gate.Detector},
	)

	gate.Bus = invalidation.NewBus(opts.Redis)
	if err := gate.Bus.Listen(ctx, gate.Engine); err != nil {
		log.Warn("Cross-instance cache invalidation disabled", "error", err)
	}

	go jobruntime.StartCacheSweepRoutine(ctx, gate.Janitor)
	go gate.Feeds.StartRefreshRoutine(ctx, gate.Detector.ClearCache)
	if gate.ASN != nil {
		go jobruntime.StartGeoLiteUpdateRoutine(ctx, opts.Redis, jobruntime.GeoLiteUpdater{
			Path:   gate.ASN.Path(),
			Reload: gate.ASN.Reload,
		})
	}

	log.Info("IP gate ready",
		"vpn_detection", gate.Detector.Enabled(),
		"asn", gate.ASN.Loaded(),
		"shared", opts.Redis != nil)
	return gate, nil
}
