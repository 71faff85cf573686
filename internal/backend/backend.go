// Package backend selects and constructs the execution backend named by the
// service configuration.
package backend

import (
	"ades/internal/backend/docker"
	"ades/internal/backend/generic"
	"ades/internal/backend/k8s"
	"ades/internal/backend/pbs"
	"ades/internal/config"
	"ades/internal/job"
	"ades/internal/process"
	"context"
	"fmt"
	"strings"
)

// Deps are collaborators some backends need.
type Deps struct {
	// Fetcher retrieves workflow documents for backends that size jobs from them.
	Fetcher process.Fetcher
	// Runner executes batch queue commands. Nil uses pbs.ExecRunner.
	Runner pbs.Runner
}

// New constructs the backend for cfg.Platform. The name is matched
// case-insensitively. The result is shared for the lifetime of the process;
// backends holding connections also implement io.Closer.
func New(ctx context.Context, cfg *config.Config, deps Deps) (job.Backend, error) {
	switch {
	case strings.EqualFold(cfg.Platform, generic.Name):
		return generic.New(), nil

	case strings.EqualFold(cfg.Platform, k8s.Name):
		fetcher := deps.Fetcher
		if fetcher == nil {
			fetcher = process.NewHTTPFetcher(cfg.Jobs.FetchTimeout, cfg.Jobs.AllowFileSources)
		}
		b, err := k8s.New(ctx, K8sConfig(cfg), fetcher)
		if err != nil {
			return nil, err
		}
		return b, nil

	case strings.EqualFold(cfg.Platform, pbs.Name):
		runner := deps.Runner
		if runner == nil {
			runner = pbs.ExecRunner{}
		}
		b, err := pbs.New(PBSConfig(cfg), runner)
		if err != nil {
			return nil, err
		}
		return b, nil

	case strings.EqualFold(cfg.Platform, docker.Name):
		b, err := docker.New(ctx, DockerConfig(cfg))
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("platform %q not implemented", cfg.Platform)
	}
}

// K8sConfig maps the service configuration onto the cluster backend.
// The S3 credentials are shared with result expansion.
func K8sConfig(cfg *config.Config) k8s.Config {
	return k8s.Config{
		Namespace:          cfg.K8s.Namespace,
		StorageClass:       cfg.K8s.StorageClass,
		NFSServer:          cfg.K8s.NFSServer,
		Debug:              cfg.K8s.Debug,
		CalrissianImage:    cfg.K8s.CalrissianImage,
		InitImage:          cfg.K8s.InitImage,
		AWSAccessKeyID:     cfg.Results.AccessKeyID,
		AWSSecretAccessKey: cfg.Results.SecretAccessKey,
		Kubeconfig:         cfg.K8s.Kubeconfig,
	}
}

func PBSConfig(cfg *config.Config) pbs.Config {
	c := pbs.DefaultConfig(cfg.Home)
	c.Queue = cfg.PBS.Queue
	c.Select = cfg.PBS.Select
	c.Walltime = cfg.PBS.Walltime
	c.Site = cfg.PBS.Site
	c.Modules = cfg.PBS.Modules
	c.Venv = cfg.PBS.Venv
	c.MetricsTool = cfg.PBS.MetricsTool
	return c
}

func DockerConfig(cfg *config.Config) docker.Config {
	c := docker.DefaultConfig(cfg.Home)
	if cfg.Docker.RunnerImage != "" {
		c.RunnerImage = cfg.Docker.RunnerImage
	}
	if cfg.Docker.Socket != "" {
		c.Socket = cfg.Docker.Socket
	}
	c.CPU = cfg.Docker.CPU
	c.MemoryMB = cfg.Docker.MemoryMB
	return c
}
