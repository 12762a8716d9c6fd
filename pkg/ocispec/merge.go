package ocispec

import "time"

// MergePlanConfigs combines a plan-level base config with a platform-level
// override config. Scalar fields take the platform value when set, falling
// back to the plan value. Map-valued fields (ExposedPorts, Volumes, Labels)
// merge by key union with the platform-level entry winning on collision.
// Either argument may be nil; a nil result means neither was set.
func MergePlanConfigs(planLevel, platformLevel *PlanConfig) *PlanConfig {
	if planLevel == nil && platformLevel == nil {
		return nil
	}
	if planLevel == nil {
		return platformLevel
	}
	if platformLevel == nil {
		return planLevel
	}

	merged := &PlanConfig{
		User:         firstNonEmpty(platformLevel.User, planLevel.User),
		ExposedPorts: mergeSets(planLevel.ExposedPorts, platformLevel.ExposedPorts),
		Environment:  firstNonEmptySlice(platformLevel.Environment, planLevel.Environment),
		Entrypoint:   firstNonEmptySlice(platformLevel.Entrypoint, planLevel.Entrypoint),
		Cmd:          firstNonEmptySlice(platformLevel.Cmd, planLevel.Cmd),
		Volumes:      mergeSets(planLevel.Volumes, platformLevel.Volumes),
		WorkingDir:   firstNonEmpty(platformLevel.WorkingDir, planLevel.WorkingDir),
		Labels:       mergeStringMaps(planLevel.Labels, platformLevel.Labels),
		StopSignal:   firstNonEmpty(platformLevel.StopSignal, planLevel.StopSignal),
		ArgsEscaped:  platformLevel.ArgsEscaped || planLevel.ArgsEscaped,
		Memory:       firstNonZero(platformLevel.Memory, planLevel.Memory),
		MemorySwap:   firstNonZero(platformLevel.MemorySwap, planLevel.MemorySwap),
		CPUShares:    firstNonZero(platformLevel.CPUShares, planLevel.CPUShares),
	}

	switch {
	case planLevel.Healthcheck == nil && platformLevel.Healthcheck == nil:
		// leave nil
	case planLevel.Healthcheck == nil:
		merged.Healthcheck = platformLevel.Healthcheck
	case platformLevel.Healthcheck == nil:
		merged.Healthcheck = planLevel.Healthcheck
	default:
		merged.Healthcheck = &PlanHealthcheck{
			Test:        firstNonEmptySlice(platformLevel.Healthcheck.Test, planLevel.Healthcheck.Test),
			Interval:    firstNonZeroDuration(platformLevel.Healthcheck.Interval, planLevel.Healthcheck.Interval),
			Timeout:     firstNonZeroDuration(platformLevel.Healthcheck.Timeout, planLevel.Healthcheck.Timeout),
			StartPeriod: firstNonZeroDuration(platformLevel.Healthcheck.StartPeriod, planLevel.Healthcheck.StartPeriod),
			Retries:     firstNonZeroInt(platformLevel.Healthcheck.Retries, planLevel.Healthcheck.Retries),
			Disable:     planLevel.Healthcheck.Disable || platformLevel.Healthcheck.Disable,
		}
	}

	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmptySlice[T any](a, b []T) []T {
	if len(a) > 0 {
		return a
	}
	return b
}

func firstNonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroDuration(a, b time.Duration) time.Duration {
	if a != 0 {
		return a
	}
	return b
}

// mergeSets unions two set-typed maps (used for ExposedPorts/Volumes, whose
// JSON shape is a map of key to an empty struct). Platform-level keys win on
// collision, though for these empty-struct-valued maps a collision carries
// no data to actually override.
func mergeSets(planLevel, platformLevel map[string]struct{}) map[string]struct{} {
	if planLevel == nil && platformLevel == nil {
		return nil
	}
	merged := make(map[string]struct{}, len(planLevel)+len(platformLevel))
	for k := range planLevel {
		merged[k] = struct{}{}
	}
	for k := range platformLevel {
		merged[k] = struct{}{}
	}
	return merged
}

// mergeStringMaps unions two string-valued maps with platform-level entries
// overriding plan-level entries on key collision.
func mergeStringMaps(planLevel, platformLevel map[string]string) map[string]string {
	if planLevel == nil && platformLevel == nil {
		return nil
	}
	merged := make(map[string]string, len(planLevel)+len(platformLevel))
	for k, v := range planLevel {
		merged[k] = v
	}
	for k, v := range platformLevel {
		merged[k] = v
	}
	return merged
}
