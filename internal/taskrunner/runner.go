// Package taskrunner instantiates container tasks from agent templates
// on AWS ECS: it injects env, secrets and resource overrides, and
// streams the task ARN back once the platform has accepted the task.
package taskrunner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/outposterr"
	"github.com/outpostrun/outpost/models"
)

// ECS abstracts the subset of *ecs.Client this package calls.
type ECS interface {
	RunTask(ctx context.Context, in *ecs.RunTaskInput, opts ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, opts ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, opts ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// AgentTemplate is the compile-time-table entry per agent kind: the task
// definition to launch, the worker container name, default resources,
// and the secret references to resolve at container start.
type AgentTemplate struct {
	TaskDefinitionARN string
	ContainerName     string // the "worker" container, per §4.4 main-container rule
	DefaultCPUUnits   int
	DefaultMemoryMB   int
	Subnets           []string
	SecurityGroups    []string
	SecretRefs        []SecretRef // resolved ARNs merged with dispatch.additional_secrets
}

// SecretRef names a container secret entry: the env var name the
// container sees, and the Secrets Manager ARN it resolves from.
type SecretRef struct {
	Name      string
	ValueFrom string
}

// Templates is the fixed, finite per-agent-kind table (§9: "a
// compile-time table keyed by the tag").
var Templates = map[models.AgentKind]AgentTemplate{
	models.AgentClaude: {ContainerName: "worker", DefaultCPUUnits: 1024, DefaultMemoryMB: 2048},
	models.AgentCodex:  {ContainerName: "worker", DefaultCPUUnits: 1024, DefaultMemoryMB: 2048},
	models.AgentGemini: {ContainerName: "worker", DefaultCPUUnits: 1024, DefaultMemoryMB: 2048},
	models.AgentAider:  {ContainerName: "worker", DefaultCPUUnits: 512, DefaultMemoryMB: 1024},
	models.AgentGrok:   {ContainerName: "worker", DefaultCPUUnits: 1024, DefaultMemoryMB: 2048},
}

// Runner launches and stops container tasks.
type Runner struct {
	client ECS
	aws    config.AWSConfig
	log    *slog.Logger
}

func New(client ECS, awsCfg config.AWSConfig, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{client: client, aws: awsCfg, log: log}
}

// LaunchResult is what the orchestrator needs back: the task ARN once
// accepted (not yet running), plus the workspace identifier embedded
// into the container's environment.
type LaunchResult struct {
	TaskARN     string
	WorkspaceID string
}

// Launch runs a container task from d's agent kind template, embedding
// dispatch_id redundantly (env var, task group, tag) per §4.3 so the
// reconciler can recover it from any of the three. workspaceID is
// generated by the caller before launch and stamped into the container
// environment so the worker can name its checkout directory.
func (r *Runner) Launch(ctx context.Context, d *models.Dispatch, workspaceID string) (*LaunchResult, error) {
	tmpl, ok := Templates[d.AgentKind]
	if !ok || tmpl.TaskDefinitionARN == "" {
		return nil, outposterr.NewValidation(fmt.Sprintf("no task template configured for agent kind %q", d.AgentKind))
	}

	cpu := tmpl.DefaultCPUUnits
	memory := tmpl.DefaultMemoryMB
	if d.ResourceConstraints != nil {
		if d.ResourceConstraints.CPUUnits > 0 {
			cpu = d.ResourceConstraints.CPUUnits
		}
		if d.ResourceConstraints.MemoryMB > 0 {
			memory = d.ResourceConstraints.MemoryMB
		}
	}

	env := []types.KeyValuePair{
		{Name: aws.String("DISPATCH_ID"), Value: aws.String(d.DispatchID)},
		{Name: aws.String("TASK"), Value: aws.String(d.Task)},
		{Name: aws.String("WORKSPACE_INIT_MODE"), Value: aws.String(string(d.WorkspaceInitMode))},
		{Name: aws.String("TIMEOUT_SECONDS"), Value: aws.String(fmt.Sprintf("%d", d.TimeoutSeconds))},
		{Name: aws.String("MODEL_ID"), Value: aws.String(d.ModelID)},
		{Name: aws.String("WORKSPACE_ID"), Value: aws.String(workspaceID)},
	}
	if d.RepoURL != "" {
		env = append(env, types.KeyValuePair{Name: aws.String("REPO_URL"), Value: aws.String(d.RepoURL)})
	}
	if d.Branch != "" {
		env = append(env, types.KeyValuePair{Name: aws.String("BRANCH"), Value: aws.String(d.Branch)})
	}

	secrets := make([]types.Secret, 0, len(tmpl.SecretRefs)+len(d.AdditionalSecrets))
	for _, s := range tmpl.SecretRefs {
		secrets = append(secrets, types.Secret{Name: aws.String(s.Name), ValueFrom: aws.String(s.ValueFrom)})
	}
	for _, arn := range d.AdditionalSecrets {
		secrets = append(secrets, types.Secret{Name: aws.String(secretEnvName(arn)), ValueFrom: aws.String(arn)})
	}

	out, err := r.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(r.aws.ECSCluster),
		TaskDefinition: aws.String(tmpl.TaskDefinitionARN),
		Count:          aws.Int32(1),
		Group:          aws.String("dispatch:" + d.DispatchID),
		Tags: []types.Tag{
			{Key: aws.String("dispatch_id"), Value: aws.String(d.DispatchID)},
		},
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        tmpl.Subnets,
				SecurityGroups: tmpl.SecurityGroups,
				AssignPublicIp: types.AssignPublicIpDisabled,
			},
		},
		Overrides: &types.TaskOverride{
			Cpu:    aws.String(fmt.Sprintf("%d", cpu)),
			Memory: aws.String(fmt.Sprintf("%d", memory)),
			ContainerOverrides: []types.ContainerOverride{
				{
					Name:        aws.String(tmpl.ContainerName),
					Environment: env,
					Secrets:     secrets,
				},
			},
		},
	})
	if err != nil {
		return nil, outposterr.NewServiceUnavailable("task failed to start", err.Error())
	}

	if len(out.Failures) > 0 {
		return nil, outposterr.NewServiceUnavailable("task failed to start", failureReason(out.Failures[0]))
	}
	if len(out.Tasks) == 0 || out.Tasks[0].TaskArn == nil {
		return nil, outposterr.NewServiceUnavailable("task failed to start", "no task ARN returned")
	}

	return &LaunchResult{TaskARN: *out.Tasks[0].TaskArn, WorkspaceID: workspaceID}, nil
}

// Stop issues a StopTask for reason, backing the orchestrator's cancel
// path.
func (r *Runner) Stop(ctx context.Context, taskARN, reason string) error {
	_, err := r.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(r.aws.ECSCluster),
		Task:    aws.String(taskARN),
		Reason:  aws.String(reason),
	})
	if err != nil {
		return outposterr.NewServiceUnavailable("failed to stop task", err.Error())
	}
	return nil
}

func failureReason(f types.Failure) string {
	reason := ""
	if f.Reason != nil {
		reason = *f.Reason
	}
	if f.Detail != nil {
		reason += ": " + *f.Detail
	}
	return reason
}

func secretEnvName(arn string) string {
	// additional_secrets entries are ARNs; derive a usable env var name
	// from the trailing secret name segment.
	name := arn
	for i := len(arn) - 1; i >= 0; i-- {
		if arn[i] == ':' || arn[i] == '/' {
			name = arn[i+1:]
			break
		}
	}
	return name
}
