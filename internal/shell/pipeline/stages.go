package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/progress"
	"github.com/artpar/shipyard/internal/core/resources"
	"github.com/artpar/shipyard/internal/core/security"
)

// =============================================================================
// Repository Access
// =============================================================================

func (o *Orchestrator) repoAccess(ctx context.Context, st *runState) (map[string]string, error) {
	st.tracker.StartRepoAccess(st.run.SourceReference)

	info, err := o.deps.Source.Resolve(ctx, st.run.SourceReference, ResolveOptions{
		RunID:  st.run.ID,
		Branch: st.run.Options.Branch,
	})
	if err != nil {
		return nil, err
	}
	st.source = info
	st.tracker.CompleteRepoAccess(info)

	md := map[string]string{
		"file_count": strconv.Itoa(info.FileCount),
		"size_bytes": strconv.FormatInt(info.SizeBytes, 10),
	}
	if info.Revision != "" {
		md["revision"] = info.Revision
	}
	return md, nil
}

// =============================================================================
// Code Analysis
// =============================================================================

func (o *Orchestrator) codeAnalysis(ctx context.Context, st *runState) (map[string]string, error) {
	st.tracker.StartCodeAnalysis()

	facts, err := o.deps.Analyzer.Analyze(ctx, st.source.LocalPath)
	if err != nil {
		return nil, err
	}
	st.facts = facts
	st.tracker.FrameworkDetected(facts.Language, facts.Framework)
	st.tracker.DependenciesAnalyzed(len(facts.Dependencies), facts.Database)
	for _, w := range facts.Warnings {
		o.warn(ctx, st, w)
	}
	st.tracker.CompleteCodeAnalysis(facts)

	return map[string]string{
		"language":  facts.Language,
		"framework": facts.Framework,
		"database":  facts.Database,
	}, nil
}

// =============================================================================
// Spec Generation
// =============================================================================

func (o *Orchestrator) specGeneration(ctx context.Context, st *runState) (map[string]string, error) {
	st.tracker.StartSpecGeneration()

	spec, err := o.deps.Generator.Generate(st.facts)
	if err != nil {
		return nil, err
	}
	if spec.Generic {
		o.warn(ctx, st, fmt.Sprintf("no template for %s; using the generic %s spec", st.facts.TemplateKey(), spec.Template))
	}
	if len(spec.Optimizations) > 0 {
		st.tracker.SpecOptimizations(spec.Optimizations)
	}

	backedUp, err := WriteSpec(st.source.LocalPath, spec)
	if err != nil {
		return nil, err
	}
	if backedUp {
		o.warn(ctx, st, "existing Dockerfile replaced; original kept as Dockerfile.backup")
	}
	st.spec = spec

	md := map[string]string{"template": spec.Template, "port": strconv.Itoa(spec.Port)}
	if o.deps.Artifacts != nil {
		loc, err := o.deps.Artifacts.PutDockerfile(ctx, st.run.ID, spec.Dockerfile)
		if err != nil {
			o.warn(ctx, st, "could not store Dockerfile artifact: "+err.Error())
		} else {
			md["dockerfile_artifact"] = loc
		}
	}
	st.tracker.CompleteSpecGeneration(spec)
	return md, nil
}

// WriteSpec writes the Dockerfile and .dockerignore into dir. An existing
// Dockerfile is renamed to Dockerfile.backup first; the result reports
// whether that happened.
func WriteSpec(dir string, spec domain.ContainerSpec) (bool, error) {
	dockerfile := filepath.Join(dir, "Dockerfile")
	backedUp := false
	if _, err := os.Stat(dockerfile); err == nil {
		if err := os.Rename(dockerfile, dockerfile+".backup"); err != nil {
			return false, domain.Backend("write_spec", "back up existing Dockerfile", err)
		}
		backedUp = true
	}
	if err := os.WriteFile(dockerfile, []byte(spec.Dockerfile), 0o644); err != nil {
		return backedUp, domain.Backend("write_spec", "write Dockerfile", err)
	}
	if spec.Dockerignore != "" {
		ignore := filepath.Join(dir, ".dockerignore")
		if err := os.WriteFile(ignore, []byte(spec.Dockerignore), 0o644); err != nil {
			return backedUp, domain.Backend("write_spec", "write .dockerignore", err)
		}
	}
	return backedUp, nil
}

// =============================================================================
// Security Scan
// =============================================================================

func (o *Orchestrator) securityScan(ctx context.Context, st *runState) (map[string]string, error) {
	st.tracker.StartSecurityScan()

	findings := security.Scan(st.spec.Dockerfile)
	flagged := map[string]bool{}
	for _, f := range findings {
		flagged[f.Check] = true
	}
	for _, check := range security.Checks {
		st.tracker.SecurityCheck(check, !flagged[check])
	}
	for _, f := range findings {
		o.warn(ctx, st, fmt.Sprintf("security [%s] %s", f.Severity, f.Message))
	}
	st.tracker.CompleteSecurityScan(len(findings))

	md := map[string]string{"findings": strconv.Itoa(len(findings))}
	if st.run.Options.FailOnSecurityIssue && security.Blocking(findings) {
		return md, domain.Configuration("security_scan",
			fmt.Sprintf("%d findings violate the security policy", len(findings)), nil)
	}
	return md, nil
}

// =============================================================================
// Image Build
// =============================================================================

func (o *Orchestrator) imageBuild(ctx context.Context, st *runState) (map[string]string, error) {
	ref := o.imageRef(st.run)
	st.tracker.StartImageBuild(ref)

	out := o.lineForwarder(st, st.tracker.BuildOutput)
	var translator progress.BuildTranslator
	res, err := o.deps.Builder.Build(ctx, domain.BuildParams{
		RunID:       st.run.ID,
		ServiceName: st.run.ServiceName,
		ContextDir:  st.source.LocalPath,
		Dockerfile:  "Dockerfile",
		ImageRef:    ref,
	}, func(line string) {
		if raw, moved := translator.Observe(line); moved {
			st.tracker.BuildProgress(raw, line)
			return
		}
		out(line)
	})
	if err != nil {
		return nil, err
	}
	if res.ImageRef == "" {
		res.ImageRef = ref
	}
	st.build = res
	st.run.ImageRef = res.ImageRef
	st.tracker.CompleteImageBuild(res)

	md := map[string]string{"image_ref": res.ImageRef}
	if res.Digest != "" {
		md["digest"] = res.Digest
	}
	return md, nil
}

// =============================================================================
// Service Deploy
// =============================================================================

func (o *Orchestrator) serviceDeploy(ctx context.Context, st *runState) (map[string]string, error) {
	st.tracker.StartServiceDeploy()

	cfg := resources.Recommend(st.facts, st.run.Options.Resources)
	if err := resources.Validate(cfg); err != nil {
		return nil, err
	}
	st.tracker.DeployConfig(cfg)

	region := st.run.Options.Region
	if region == "" {
		region = o.config.Region
	}

	var translator progress.DeployTranslator
	out := o.lineForwarder(st, func(line string) domain.ProgressEvent {
		return st.tracker.Emit(line, domain.StagePtr(domain.StageServiceDeploy), nil)
	})
	res, err := o.deps.Deployer.Deploy(ctx, domain.DeployParams{
		RunID:       st.run.ID,
		ServiceName: st.run.ServiceName,
		ImageRef:    st.build.ImageRef,
		Port:        st.spec.Port,
		EnvVars:     st.env,
		Resources:   cfg,
		Region:      region,
	}, func(line string) {
		if raw, moved := translator.Observe(line); moved {
			st.tracker.DeployStatus(raw, line)
			return
		}
		out(line)
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.URL) == "" {
		return nil, domain.Backend("deploy", "deploy backend returned no service URL", errors.New("empty url"))
	}
	if res.Region == "" {
		res.Region = region
	}
	st.deploy = res
	st.tracker.CompleteServiceDeploy(res)

	return map[string]string{"url": res.URL, "region": res.Region}, nil
}

// lineForwarder throttles raw output lines that did not move progress.
func (o *Orchestrator) lineForwarder(st *runState, emit func(string) domain.ProgressEvent) func(string) {
	limiter := rate.NewLimiter(o.config.OutputRate, max(o.config.OutputBurst, 1))
	var mu sync.Mutex
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		mu.Lock()
		ok := limiter.Allow()
		mu.Unlock()
		if ok {
			emit(line)
		} else {
			st.logger.Debug("output line throttled", "line", line)
		}
	}
}
