package registrar

// selectVersion runs the §4.3 version-selection algorithm, shared by
// Register and Activate. try is called with each candidate version in
// turn; it returns nil on success, ErrVersionIncompatible (or something
// wrapping it) if the registrar rejected that specific version, or any
// other error to abort the loop immediately (transport/TPM failures are
// never retried across versions).
//
// On success, state.CachedActive is updated to the version that worked.
func selectVersion(state *VersionState, agentEnabled []string, try func(version string) error) error {
	if state.CachedActive != "" && containsVersion(agentEnabled, state.CachedActive) {
		if err := try(state.CachedActive); err == nil {
			return nil
		} else if !IsVersionIncompatible(err) {
			return err
		}
		// Cached version stopped working; fall through to full search.
	}

	if state.Current == "" {
		for _, v := range reverse(agentEnabled) {
			err := try(v)
			if err == nil {
				state.CachedActive = v
				return nil
			}
			if !IsVersionIncompatible(err) {
				return err
			}
		}
		return &AllAPIVersionsRejectedError{AgentEnabled: agentEnabled}
	}

	for _, v := range reverse(agentEnabled) {
		if !containsVersion(state.Supported, v) {
			continue
		}
		err := try(v)
		if err == nil {
			state.CachedActive = v
			return nil
		}
		if IsVersionIncompatible(err) {
			continue
		}
		return err
	}
	return &IncompatibleAPIError{AgentEnabled: agentEnabled, RegistrarSupported: state.Supported}
}
