// Command ldapd is the daemon entry point: load cn=config, build the
// composition root, open its listen sockets, and block until a shutdown
// signal. Flags only name the config file and optional TLS material;
// no subcommand framework is used here, just the standard flag package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/silverleaf/ldapd/adminhttp"
	"github.com/silverleaf/ldapd/bindproc"
	"github.com/silverleaf/ldapd/certificates"
	"github.com/silverleaf/ldapd/config"
	"github.com/silverleaf/ldapd/dispatch"
	"github.com/silverleaf/ldapd/fedse"
	"github.com/silverleaf/ldapd/listener"
	"github.com/silverleaf/ldapd/logger"
	"github.com/silverleaf/ldapd/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ldapd:", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "/etc/ldapd/ldapd.yaml", "path to the cn=config file")
	tlsCert := flag.String("tls-cert", "", "PEM certificate file for the secure listener")
	tlsKey := flag.String("tls-key", "", "PEM private key file for the secure listener")
	watch := flag.Bool("watch", true, "watch the config file and re-validate it on change (changed values take effect at the next start)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	log := logger.New()

	var tlsCfg certificates.TLSConfig
	if *tlsCert != "" || *tlsKey != "" {
		if *tlsCert == "" || *tlsKey == "" {
			return fmt.Errorf("ldapd: both -tls-cert and -tls-key must be given together")
		}
		c := certificates.New()
		if err := c.AddCertificatePairFile(*tlsKey, *tlsCert); err != nil {
			return fmt.Errorf("ldapd: loading TLS certificate pair: %w", err)
		}
		tlsCfg = c
	}

	var listeners []listener.Config
	if cfg.Port != 0 {
		listeners = append(listeners, listener.Config{
			Kind:    listener.KindPlain,
			Network: "tcp",
			Address: fmt.Sprintf(":%d", cfg.Port),
		})
	}
	if cfg.SecurePort != 0 {
		if tlsCfg == nil {
			return fmt.Errorf("ldapd: nsslapd-secureport is set but -tls-cert/-tls-key were not given")
		}
		listeners = append(listeners, listener.Config{
			Kind:    listener.KindTLS,
			Network: "tcp",
			Address: fmt.Sprintf(":%d", cfg.SecurePort),
			TLS:     tlsCfg,
		})
	}

	srv, err := server.New(server.Config{
		Listeners: listeners,
		Admin:     adminhttp.Config{Listen: cfg.AdminListen},
		Dispatch: dispatch.Policy{
			MinSSF:               int32(cfg.MinSSF),
			MinSSFExcludeRootDSE: cfg.MinSSFExcludeRootDSE,
			AnonAccess:           string(cfg.AllowAnonymousAccess),
		},
		Bind: bindproc.Policy{
			MinSSF:                int32(cfg.MinSSF),
			MinSSFExcludeRootDSE:  cfg.MinSSFExcludeRootDSE,
			AnonAccess:            string(cfg.AllowAnonymousAccess),
			UnauthBindsAllowed:    cfg.AllowUnauthenticatedBinds,
			RequireSecureBinds:    cfg.RequireSecureBinds,
			ForceSASLExternal:     cfg.ForceSASLExternal,
			RootDN:                cfg.RootDN,
			RootPW:                cfg.RootPW,
			StrictDN:              cfg.DNValidateStrict,
		},
		Workers:           cfg.ThreadNumber,
		MaxBERSize:        cfg.MaxBERSize,
		IOBlockTimeout:    time.Duration(cfg.IOBlockTimeoutMS) * time.Millisecond,
		TableCapacity:     cfg.MaxDescriptors,
		HAProxyTrustedIPs: cfg.HAProxyTrustedIP,
		DSEFile:           cfg.DSEFile,
		Vendor:            fedse.VendorInfo{Name: "ldapd", Version: "1.0"},
		StartTLS:          tlsCfg,
		Log:               func() logger.Logger { return log },
	})
	if err != nil {
		return err
	}

	if *watch {
		if err := config.Watch(*configFile, func(config.Config) {
			// Nothing is applied here: listeners, policy, the DSE file
			// path and the haproxy trusted-IP list are read once by
			// server.New, and server.New does not start fedse's
			// Tree.Watch.
		}); err != nil {
			log.Entry(logger.WarnLevel, "config watch disabled").ErrorAdd(true, err).Log()
		}
	}

	if err := srv.Start(context.Background()); err != nil {
		return err
	}

	srv.WaitNotify()
	return nil
}
