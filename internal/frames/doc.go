// Package frames pulls the last frame out of a finished clip so chain-mode
// generation can start the next clip from it.
//
// The ffmpeg implementation seeks just before the end of the artifact, writes
// one frame to a scratch PNG, then decodes it (PNG, JPEG or WebP), scales it
// down to the configured longest edge and stores it as JPEG under the frames
// directory. Every failure is reported as services.ErrExtractionFailed.
package frames
