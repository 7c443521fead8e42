package cache

import "fmt"

// 键语义：
// - roomKey(noteID):  房间在线连接（ZSet<connID, expireAtUnix>，score=expireAt）
// - namesKey(noteID): 连接 -> 身份（Hash<connID, JSON{userId,displayName}>）
// 两个键带同一个 hash tag，集群模式下落在同一个 slot，lua 脚本可以同时操作
const (
	keyRoomFmt  = "presence:note:{noteID:%s}"
	keyNamesFmt = "presence:note:names:{noteID:%s}"
)

func roomKey(noteID string) string  { return fmt.Sprintf(keyRoomFmt, noteID) }
func namesKey(noteID string) string { return fmt.Sprintf(keyNamesFmt, noteID) }
