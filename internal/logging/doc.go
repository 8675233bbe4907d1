// Package logging provides structured logging for the bridge.
//
// It wraps Go's log/slog to emit JSON records with persistent context
// attributes. Child loggers carry the link, worker, port or channel they
// describe, so a single log file can be filtered per link after the fact.
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Options{Path: "/var/log/bridge.log", Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithLink(link.ID()).Debug("message delivered", "msgid", 7)
//
// Output:
//
//	{"time":"...","level":"DEBUG","msg":"message delivered","link_id":"01J...","msgid":7}
//
// # Log Rotation
//
// When Options.Path is set the file is written through a [RotatingWriter]
// that rotates on size. Rotated files are named bridge.log.1, bridge.log.2
// and so on, with .1 the most recent. With compression enabled they become
// bridge.log.1.gz.
//
// # Reading Logs Back
//
// [ReadRecords] parses a JSON log file into [Record] values and [Filter]
// narrows them by level, channel pattern, link, worker or time.
//
// # Levels
//
// [LevelDebug], [LevelInfo] (default), [LevelWarn] and [LevelError]. The level of
// a running logger can be changed with [Logger.SetLevel], which the
// companion uses to apply config reloads.
//
// # Testing
//
// Use [NopLogger] to discard output.
package logging
