package types

// Version is the canonical project version.
// All components (CLI, feature-file format, sync protocol) share this
// version per the lockstep versioning policy.
const Version = "0.3.0"

// FeatureFormatVersion is the feature-file container format version.
// Bumped independently of Version only on wire-incompatible changes.
const FeatureFormatVersion = 1
