// Package claims evaluates agent-produced text for suspected fabrication.
//
// A check runs four independent signals (pattern-rule match, reference
// validity, cross-claim contradiction, and consensus mismatch) and takes
// the MAXIMUM confidence across them, never an average, so a single strong
// signal dominates. The contradiction signal is a documented heuristic
// (antonym-pair detection), not ground truth.
//
// Every check is written to the audit sink. That trail is the only forensic
// record available for disputing a false veto, which is why auditing is
// mandatory rather than optional.
package claims
