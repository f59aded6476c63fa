// Package logx is the bot's logging layer over zerolog.
//
// Console output is human readable, the optional file sink is JSON, and the
// alert sink mirrors serious lines to the ops channel with a rate limit.
package logx
