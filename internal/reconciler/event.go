package reconciler

import "time"

// StopCode mirrors the small fixed vocabulary a container platform
// reports when a task stops.
type StopCode string

const (
	StopCodeTaskFailedToStart        StopCode = "TaskFailedToStart"
	StopCodeEssentialContainerExited StopCode = "EssentialContainerExited"
	StopCodeUserInitiated            StopCode = "UserInitiated"
	StopCodeServiceSchedulerInitiated StopCode = "ServiceSchedulerInitiated"
	StopCodeSpotInterruption         StopCode = "SpotInterruption"
	StopCodeTerminationNotice        StopCode = "TerminationNotice"
)

// EnvVar is one container-override environment entry.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ContainerOverride is the task-level override for one container, as
// set at launch time (carries the DISPATCH_ID env var, per §4.3).
type ContainerOverride struct {
	Name        string   `json:"name"`
	Environment []EnvVar `json:"environment"`
}

// Container is one container's terminal state within a stopped task.
type Container struct {
	Name      string     `json:"name"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
}

// TaskEvent is a task-state-change event as delivered by the upstream
// event fan-in (shape abstracted per §4.4; field names follow the ECS
// task-state-change detail envelope this system targets).
type TaskEvent struct {
	TaskARN       string              `json:"taskArn"`
	ClusterARN    string              `json:"clusterArn"`
	LastStatus    string              `json:"lastStatus"`
	DesiredStatus string              `json:"desiredStatus"`
	StopCode      StopCode            `json:"stopCode,omitempty"`
	StoppedReason string              `json:"stoppedReason,omitempty"`
	StoppedAt     *time.Time          `json:"stoppedAt,omitempty"`
	Group         string              `json:"group,omitempty"`
	StartedBy     string              `json:"startedBy,omitempty"`
	Tags          map[string]string   `json:"tags,omitempty"`
	Overrides     []ContainerOverride `json:"overrides,omitempty"`
	Containers    []Container         `json:"containers"`
}

// mainContainer returns the container named "worker" if present, else
// containers[0]. Returns false if there are no containers at all.
func (e *TaskEvent) mainContainer() (Container, bool) {
	for _, c := range e.Containers {
		if c.Name == "worker" {
			return c, true
		}
	}
	if len(e.Containers) > 0 {
		return e.Containers[0], true
	}
	return Container{}, false
}
