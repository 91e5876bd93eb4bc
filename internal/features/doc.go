// Package features charges flat-rate AI features such as prompt adaptation.
//
// Unlike video generation these features are short and synchronous, so they
// skip the reservation step: the account is checked, the work runs, and the
// cost is deducted directly once it has succeeded.
package features
