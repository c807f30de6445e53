// Persistent data types shared by the moderation tracker, the survey engine, and the storage facade.
package models
