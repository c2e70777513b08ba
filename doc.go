// Copyright (c) 2025, the mathom authors.
// All rights reserved. Use of this source code is governed by the MIT
// license which can be found in the LICENSE file.

/*
Mathom is a small HTTP service to share large files. An upload is answered
with an unguessable token, the token is the only way to reach the file, and
every file expires. A single instance owns its data directory; scale is one
instance per host.

API

POST /files/{name} - Provide a request body with the binary data of the file
you want to share. The optional ttl parameter bounds the lifetime, the
optional X-Checksum-SHA256 header makes the upload fail on corruption.

  $ curl -s -X POST --data-binary @talk.mp4 \
      'http://localhost:5555/files/talk.mp4?ttl=72h' \
      -H 'X-Checksum-SHA256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08'
  {
    "duration": 12000000,
    "file": {
      "token":       "4AclFWmzBOWD9ZGteSdXBw",
      "name":        "talk.mp4",
      "size":        1073741824,
      "sha256":      "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
      "contentType": "video/mp4",
      "createdAt":   "2025-06-11T10:00:00.000000001Z",
      "expiresAt":   "2025-06-14T10:00:00.000000001Z",
      "downloads":   0
    }
  }

GET /files/{token} - Returns the file data in the response body. Range
requests are honoured, so an interrupted download can resume where it
stopped.

  $ curl -s 'http://localhost:5555/files/4AclFWmzBOWD9ZGteSdXBw' > talk.mp4
  $ curl -s -H 'Range: bytes=536870912-' \
      'http://localhost:5555/files/4AclFWmzBOWD9ZGteSdXBw' >> talk.mp4

HEAD /files/{token} - Returns size, checksum and expiry as headers without
touching the payload.

DELETE /files/{token} - Expires the file immediately. The payload is
reclaimed by the next collector sweep.

GET /files - Returns the list of stored files, filtered and bounded by the
prefix, sort and limit parameters.

  $ curl -s 'http://localhost:5555/files?prefix=talk&sort=-created&limit=10'
  {
    "count": 1,
    "duration": 2404,
    "files": [...]
  }

GET /healthz - Returns the quota counters and the number of stored files.

DESIGN

An upload streams into a spool file and is hashed on the way through. Commit
is a sync followed by a rename into the blob directory, then a JSON sidecar
record is written durably, and only then does the token become visible. A
crash leaves either a spool file and no record, or a payload and no record;
never a record without its payload surviving a lookup.

The registry is the directory of sidecar records and is rebuilt from it on
boot. The collector closes the remaining gaps on a fixed interval: it removes
expired records and their payloads, reaps spool files past a grace period,
and adopts payloads that have no record instead of deleting them, so a badly
timed crash costs a name and an expiry, not the data.

Admission is handled by two quota counters, reserved and committed bytes.
An upload reserves its declared size up front and is rejected when the
reservation does not fit, so capacity is enforced before any bytes land on
disk. The spool and blob directories must share a file system for the commit
rename to stay atomic.
*/
package main
