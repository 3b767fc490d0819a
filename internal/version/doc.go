// Package version implements patch version ordering and the interval
// algebra used for requirements and conflicts.
//
// A PatchVersion pairs a patch name with a dotted version string whose
// first component is numeric ("1", "2.10", "1.2.beta-1"). Versions of the
// same patch form a strict total order; versions of different patches are
// never ordered and never equal.
//
// An Interval is a relational bound ("nfs >= 2.1"). Manifests declare
// requirement lines ("R nfs >= 2.1", "C legacy") which ParseRequirement
// turns into Requirement values. A line without a bound means any version.
package version
