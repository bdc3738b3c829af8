package health

import (
	"example.com/hearth/services/arbiter/internal/models"
)

// PlatformServiceName identifies the automation platform in the monitored
// service list. Its health decides offline vs minimal: with the platform up,
// devices can still run direct automation commands.
const PlatformServiceName = "automation_platform"

// ComputeLevel derives the degradation level from the current status set.
// Pure function of its input, recomputed every probe cycle.
func ComputeLevel(statuses map[string]models.ServiceStatus) models.DegradationLevel {
	criticalUnhealthy := false
	nonCriticalUnhealthy := false
	platformUnhealthy := false

	for _, status := range statuses {
		if status.Healthy {
			continue
		}
		if status.Name == PlatformServiceName {
			platformUnhealthy = true
		}
		if status.Critical {
			criticalUnhealthy = true
		} else {
			nonCriticalUnhealthy = true
		}
	}

	switch {
	case criticalUnhealthy && platformUnhealthy:
		return models.LevelOffline
	case criticalUnhealthy:
		return models.LevelMinimal
	case nonCriticalUnhealthy:
		return models.LevelDegraded
	default:
		return models.LevelFull
	}
}
