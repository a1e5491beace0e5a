// Package configmerge implements the ConfigMerger (spec §4.5): folding the
// set of connected clients' ConfigRequests into one effective radio
// configuration, and deciding whether a newly-joining client is
// compatible with the clients already connected.
package configmerge

import "github.com/go-nan/nancore/pkg/hal"

// Merge folds reqs per field (spec §4.5): masterPreference max, cluster
// bounds min/max, the two booleans OR'd. An empty slice yields the zero
// ConfigRequest.
func Merge(reqs []hal.ConfigRequest) hal.ConfigRequest {
	var merged hal.ConfigRequest
	for i, r := range reqs {
		if i == 0 {
			merged = r
			continue
		}
		if r.MasterPreference > merged.MasterPreference {
			merged.MasterPreference = r.MasterPreference
		}
		if r.ClusterLow < merged.ClusterLow {
			merged.ClusterLow = r.ClusterLow
		}
		if r.ClusterHigh > merged.ClusterHigh {
			merged.ClusterHigh = r.ClusterHigh
		}
		merged.Support5g = merged.Support5g || r.Support5g
		merged.EnableIdentityChangeCallback = merged.EnableIdentityChangeCallback || r.EnableIdentityChangeCallback
	}
	return merged
}

// Compatible reports whether newReq may join the set of already-connected
// clients' requests without violating a hard constraint (spec §4.5): the
// new request's own cluster range and the merged cluster bounds must each be
// a valid non-empty range; a newly-joining
// client may never force the driver to widen a cluster bound beyond what is
// already programmed (only the remaining-clients re-merge on disconnect may
// shrink or widen it); and support5g may only transition false→true relative
// to what is currently programmed, never the reverse. The very first client
// to join has nothing programmed yet to conflict with and is always
// compatible. It returns the merged result either way so the caller can
// decide what to do next only when ok is true; existing clients are left
// untouched when ok is false.
func Compatible(currentProgrammed hal.ConfigRequest, connected []hal.ConfigRequest, newReq hal.ConfigRequest) (merged hal.ConfigRequest, ok bool) {
	if len(connected) == 0 {
		return Merge([]hal.ConfigRequest{newReq}), true
	}

	candidate := make([]hal.ConfigRequest, 0, len(connected)+1)
	candidate = append(candidate, connected...)
	candidate = append(candidate, newReq)
	merged = Merge(candidate)

	if newReq.ClusterLow > newReq.ClusterHigh || merged.ClusterLow > merged.ClusterHigh {
		return merged, false
	}
	if merged.ClusterLow < currentProgrammed.ClusterLow || merged.ClusterHigh > currentProgrammed.ClusterHigh {
		return merged, false
	}
	if currentProgrammed.Support5g && !merged.Support5g {
		return merged, false
	}
	return merged, true
}

// isSubsetOrEqual reports whether merged is at least as strict as current:
// it never widens the cluster range, raises the master preference, or
// turns support5g on when current had it off.
func isSubsetOrEqual(merged, current hal.ConfigRequest) bool {
	return merged.MasterPreference <= current.MasterPreference &&
		merged.ClusterLow >= current.ClusterLow &&
		merged.ClusterHigh <= current.ClusterHigh &&
		(!merged.Support5g || current.Support5g)
}

// NeedsReconfigure decides whether merged must be programmed into the
// driver via enableAndConfigure, and the notifyIdentityChange argument to
// pass (spec §4.5): true only for the very first enable; false for every
// subsequent merge update, even one that does require reprogramming
// because enableIdentityChangeCallback just flipped on.
func NeedsReconfigure(current, merged hal.ConfigRequest, firstEnable bool) (reconfigure, notifyIdentityChange bool) {
	if firstEnable {
		return true, true
	}
	if merged == current {
		return false, false
	}

	identityFlippedOn := merged.EnableIdentityChangeCallback && !current.EnableIdentityChangeCallback
	if !identityFlippedOn && isSubsetOrEqual(merged, current) {
		return false, false
	}
	return true, false
}
