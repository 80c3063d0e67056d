// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// dmp is a device mapper proxy target. A dmp device takes exactly one
// argument, the identifier of an underlying device, and passes every read and
// write to it unchanged. All dmp devices share one statistics state with
// number of requests and their average size for reads, writes and both
// together. The statistics are published as the "volumes" attribute in the
// "stat" directory for the whole life of the module.
//
// Any other operation, e.g. discard or flush, is rejected and does not
// influence statistics.
package dmp
